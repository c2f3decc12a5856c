package exam

// Matrix is the grid variant of a question: the candidate matches rows
// against columns instead of picking a lettered option.
type Matrix struct {
	Rows    []string `json:"rows"`
	Columns []string `json:"columns"`
}

type Option struct {
	ID     string `json:"id"`
	Letter string `json:"letter"` // display label, doubles as the selected-option identifier
	Text   string `json:"text"`
	Value  string `json:"value,omitempty"`
}

type Question struct {
	ID              string   `json:"id"`
	Number          int      `json:"number"`
	Stem            string   `json:"stem"`
	Info            string   `json:"info,omitempty"`
	Images          []string `json:"images,omitempty"`
	Matrix          *Matrix  `json:"matrix,omitempty"`
	Category        string   `json:"category,omitempty"`
	CorrectOptionID string   `json:"correct_option_id,omitempty"` // stripped on the taking surface
	Explanation     string   `json:"explanation,omitempty"`
	Options         []Option `json:"options"`
}

type Section struct {
	ID        string     `json:"id"`         // surrogate key
	SectionID string     `json:"section_id"` // stable identifier used in URLs
	Index     int        `json:"index"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions,omitempty"`
}

type Exam struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Version  int       `json:"version"`
	Sections []Section `json:"sections,omitempty"`
}

type ExamSummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Version       int    `json:"version"`
	SectionCount  int    `json:"section_count"`
	QuestionCount int    `json:"question_count"`
}
