package sla

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// ticketDeadline labels notices raised by the single due-date model.
const ticketDeadline = "ticket"

const deadlineLayout = "2006-01-02 15:04 MST"

type notice struct {
	ticket       *domain.Ticket
	deadline     time.Time
	label        string
	kind         domain.NoticeKind
	escalation   int
	trackingID   string
	deadlineKind domain.DeadlineKind
}

func (t *Tracker) noticeData(n notice, member domain.StaffMember, now time.Time) map[string]string {
	assignedTo := member.Name
	if assignedTo == "" {
		assignedTo = member.Email
	}
	customer := "Unknown"
	if n.ticket.CustomerName != nil && *n.ticket.CustomerName != "" {
		customer = *n.ticket.CustomerName
	}
	subject := n.ticket.Subject
	if subject == "" {
		subject = "No subject"
	}
	priority := n.ticket.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}

	data := map[string]string{
		"assignedTo":      assignedTo,
		"ticketId":        n.ticket.ID,
		"customerName":    customer,
		"ticketSubject":   subject,
		"ticketPriority":  priority.Label(),
		"slaDeadline":     n.deadline.In(t.cfg.Location).Format(deadlineLayout),
		"deadlineType":    n.label,
		"escalationLevel": strconv.Itoa(n.escalation),
		"ticketUrl":       ticketURL(t.cfg.TicketBaseURL, n.ticket.ID),
	}
	if n.kind == domain.NoticeBreach {
		data["overdueTime"] = formatDuration(now.Sub(n.deadline))
	} else {
		data["remainingTime"] = formatDuration(n.deadline.Sub(now))
	}
	return data
}

// formatDuration renders whole minutes below an hour and tenths of hours above.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	minutes := int(math.Round(d.Minutes()))
	if minutes < 60 {
		return strconv.Itoa(minutes) + " minutes"
	}
	hours := math.Round(d.Hours()*10) / 10
	return strconv.FormatFloat(hours, 'f', -1, 64) + " hours"
}

func ticketURL(base, ticketID string) string {
	return strings.TrimRight(base, "/") + "/support-center?ticket=" + ticketID
}

// uniqueByEmail keeps the first member per address, ignoring case and blank addresses.
func uniqueByEmail(members []domain.StaffMember) []domain.StaffMember {
	seen := make(map[string]struct{}, len(members))
	out := members[:0:0]
	for _, m := range members {
		key := strings.ToLower(strings.TrimSpace(m.Email))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}
