package maturity

import (
	"strconv"
	"strings"
)

type AnswerType string

const (
	AnswerNumber AnswerType = "number"
	AnswerChoice AnswerType = "choice"
)

// Category is one row of the offset table. Question ids of a category are
// p<FirstQuestion> .. p<FirstQuestion+QuestionCount-1>.
type Category struct {
	ID            int        `json:"id"`
	Name          string     `json:"name"`
	FirstQuestion int        `json:"first_question"`
	QuestionCount int        `json:"question_count"`
	Scored        bool       `json:"scored"`
	AnswerType    AnswerType `json:"answer_type"`
}

type Option struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

type Question struct {
	ID         string     `json:"id"`
	CategoryID int        `json:"category_id"`
	Ordinal    int        `json:"ordinal"`
	AnswerType AnswerType `json:"answer_type"`
	Options    []Option   `json:"options,omitempty"`
}

// ChoiceOptions is the closed option set shared by every choice question.
var ChoiceOptions = []Option{
	{Label: "Belum ada", Value: 0},
	{Label: "Perencanaan", Value: 50},
	{Label: "Sebagian diterapkan", Value: 100},
	{Label: "Diterapkan penuh", Value: 150},
}

// Categories is the single source of truth for question numbering. Nothing
// else in the module computes offsets by hand.
var Categories = []Category{
	{ID: 1, Name: "Kompetensi Generik Nasional", FirstQuestion: 1, QuestionCount: 6, Scored: false, AnswerType: AnswerNumber},
	{ID: 2, Name: "Struktur ASN Corpu", FirstQuestion: 7, QuestionCount: 4, Scored: true, AnswerType: AnswerChoice},
	{ID: 3, Name: "Manajemen Pengetahuan", FirstQuestion: 11, QuestionCount: 5, Scored: true, AnswerType: AnswerChoice},
	{ID: 4, Name: "Forum Pembelajaran", FirstQuestion: 16, QuestionCount: 4, Scored: true, AnswerType: AnswerChoice},
	{ID: 5, Name: "Sistem Pembelajaran Terintegrasi", FirstQuestion: 20, QuestionCount: 5, Scored: true, AnswerType: AnswerChoice},
	{ID: 6, Name: "Strategi Pembelajaran", FirstQuestion: 25, QuestionCount: 4, Scored: true, AnswerType: AnswerChoice},
	{ID: 7, Name: "Teknologi", FirstQuestion: 29, QuestionCount: 5, Scored: true, AnswerType: AnswerChoice},
	{ID: 8, Name: "Pengembangan Kompetensi ASN", FirstQuestion: 34, QuestionCount: 4, Scored: true, AnswerType: AnswerChoice},
	{ID: 9, Name: "Evaluasi ASN Corpu", FirstQuestion: 38, QuestionCount: 4, Scored: true, AnswerType: AnswerChoice},
}

func (c Category) QuestionIDs() []string {
	out := make([]string, 0, c.QuestionCount)
	for i := 0; i < c.QuestionCount; i++ {
		out = append(out, questionID(c.FirstQuestion+i))
	}
	return out
}

func (c Category) Contains(questionID string) bool {
	n, ok := questionNumber(questionID)
	if !ok {
		return false
	}
	return n >= c.FirstQuestion && n < c.FirstQuestion+c.QuestionCount
}

func ScoringCategories() []Category {
	out := make([]Category, 0, len(Categories))
	for _, c := range Categories {
		if c.Scored {
			out = append(out, c)
		}
	}
	return out
}

func CategoryByID(id int) (Category, bool) {
	for _, c := range Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

// FieldName translates a 1-based ordinal inside a category into the flat
// column name used by storage and spreadsheets.
func FieldName(categoryID, ordinal int) (string, bool) {
	c, ok := CategoryByID(categoryID)
	if !ok || ordinal < 1 || ordinal > c.QuestionCount {
		return "", false
	}
	return questionID(c.FirstQuestion + ordinal - 1), true
}

// Locate is the inverse of FieldName.
func Locate(id string) (categoryID, ordinal int, ok bool) {
	n, ok := questionNumber(id)
	if !ok {
		return 0, 0, false
	}
	for _, c := range Categories {
		if n >= c.FirstQuestion && n < c.FirstQuestion+c.QuestionCount {
			return c.ID, n - c.FirstQuestion + 1, true
		}
	}
	return 0, 0, false
}

func AllFieldNames() []string {
	out := make([]string, 0, 41)
	for _, c := range Categories {
		out = append(out, c.QuestionIDs()...)
	}
	return out
}

func LookupQuestion(id string) (Question, bool) {
	catID, ordinal, ok := Locate(id)
	if !ok {
		return Question{}, false
	}
	c, _ := CategoryByID(catID)
	q := Question{
		ID:         questionID(c.FirstQuestion + ordinal - 1),
		CategoryID: c.ID,
		Ordinal:    ordinal,
		AnswerType: c.AnswerType,
	}
	if c.AnswerType == AnswerChoice {
		q.Options = ChoiceOptions
	}
	return q, true
}

func Questions() []Question {
	out := make([]Question, 0, 41)
	for _, id := range AllFieldNames() {
		q, _ := LookupQuestion(id)
		out = append(out, q)
	}
	return out
}

// AllowsValue reports whether v is an acceptable submitted answer for q.
// Choice answers must be one of the option values, number answers must be
// finite and non-negative.
func (q Question) AllowsValue(v float64) bool {
	if !isFinite(v) || v < 0 {
		return false
	}
	if q.AnswerType != AnswerChoice {
		return true
	}
	for _, opt := range q.Options {
		if opt.Value == v {
			return true
		}
	}
	return false
}

func questionID(n int) string {
	return "p" + strconv.Itoa(n)
}

func questionNumber(id string) (int, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) < 2 || id[0] != 'p' {
		return 0, false
	}
	n, err := strconv.Atoi(id[1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
