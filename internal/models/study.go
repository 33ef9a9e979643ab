package models

// NotAvailable substitutes attributes missing from a study's representative instance.
const NotAvailable = "N/A"

// StudyRecord is the catalogue view of one study directory, derived from the
// first readable instance file in it.
type StudyRecord struct {
	StudyInstanceUID string `json:"studyInstanceUid"`
	PatientName      string `json:"patientName"`
	StudyDate        string `json:"studyDate"`
	StudyDescription string `json:"studyDescription"`
}
