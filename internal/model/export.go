package model

import "time"

// RecordsExport is the top-level JSON structure for the records export.
type RecordsExport struct {
	ExportedAt time.Time    `json:"exported_at"`
	Exams      []ExamExport `json:"exams"`
}

// ExamExport holds one exam and every record taken against it.
type ExamExport struct {
	ExamID       string         `json:"exam_id"`
	Title        string         `json:"title"`
	IsActive     bool           `json:"is_active"`
	NumQuestions int            `json:"num_questions"`
	MaxScore     int            `json:"max_score"`
	Results      []RecordResult `json:"results"`
}

// RecordResult holds one candidate's record for export.
type RecordResult struct {
	RecordID       string    `json:"record_id"`
	CandidateID    string    `json:"candidate_id"`
	CandidateName  string    `json:"candidate_name"`
	SubmittedAt    time.Time `json:"submitted_at"`
	WasTerminated  bool      `json:"was_terminated"`
	AutoScore      int       `json:"auto_score"`
	ManualScore    int       `json:"manual_score"`
	TotalScore     int       `json:"total_score"`
	PendingGrading int       `json:"pending_grading"`
	Answers        []Answer  `json:"answers"`
}
