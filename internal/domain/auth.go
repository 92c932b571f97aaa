package domain

// SubjectType differentiates token holders.
type SubjectType string

// SubjectTypeStaff marks tokens issued to back-office operators.
const SubjectTypeStaff SubjectType = "STAFF"
