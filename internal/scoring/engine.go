// Package scoring grades an attempt. It is a pure function of the exam's
// section weights, its questions and the captured responses; it never looks
// at why the attempt ended.
package scoring

import (
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionResult is the grading outcome of one question.
type QuestionResult struct {
	QuestionID   uuid.UUID          `json:"question_id"`
	QuestionType model.QuestionType `json:"question_type"`
	Answered     bool               `json:"answered"`
	Correct      bool               `json:"correct"`
	PointsEarned float64            `json:"points_earned"`
	PointsMax    float64            `json:"points_max"`
	SubItems     int                `json:"sub_items,omitempty"`
	SubCorrect   int                `json:"sub_correct,omitempty"`
}

// Result is the grading outcome of one attempt.
type Result struct {
	Questions    []QuestionResult       `json:"questions"`
	Graded       []model.GradedResponse `json:"-"`
	TotalScore   float64                `json:"total_score"`
	Percentage   int                    `json:"percentage"`
	CorrectCount int                    `json:"correct_count"`
	Passed       bool                   `json:"passed"`
}

// PointsPerQuestion splits each section weight evenly across the questions of
// that type. A section without questions yields no entry.
func PointsPerQuestion(exam *model.Exam, questions []model.Question) map[model.QuestionType]float64 {
	counts := make(map[model.QuestionType]int, len(model.QuestionTypes))
	for i := range questions {
		counts[questions[i].QuestionType]++
	}

	ppq := make(map[model.QuestionType]float64, len(counts))
	for t, n := range counts {
		if n == 0 {
			continue
		}
		ppq[t] = exam.SectionWeight(t) / float64(n)
	}
	return ppq
}

// Score grades every question against the responses. Unanswered questions
// earn zero; responses to unknown questions are ignored.
func Score(exam *model.Exam, questions []model.Question, responses []model.Response) Result {
	ppq := PointsPerQuestion(exam, questions)

	byQuestion := make(map[uuid.UUID][]*model.Response, len(responses))
	for i := range responses {
		r := &responses[i]
		byQuestion[r.QuestionID] = append(byQuestion[r.QuestionID], r)
	}

	res := Result{Questions: make([]QuestionResult, 0, len(questions))}
	var total float64

	for i := range questions {
		q := &questions[i]
		qr := QuestionResult{
			QuestionID:   q.ID,
			QuestionType: q.QuestionType,
			PointsMax:    ppq[q.QuestionType],
		}
		rs := byQuestion[q.ID]

		switch q.QuestionType {
		case model.QuestionTypeMultipleChoice:
			res.Graded = append(res.Graded, gradeMultipleChoice(q, rs, &qr)...)
		case model.QuestionTypeTrueFalseMulti:
			res.Graded = append(res.Graded, gradeTrueFalseMulti(q, rs, &qr)...)
		case model.QuestionTypeShortAnswer:
			res.Graded = append(res.Graded, gradeShortAnswer(q, rs, &qr)...)
		}

		total += qr.PointsEarned
		if qr.Correct {
			res.CorrectCount++
		}
		res.Questions = append(res.Questions, qr)
	}

	res.TotalScore = round(total, 2)
	if exam.TotalScore > 0 {
		pct := res.TotalScore / exam.TotalScore * 100
		res.Percentage = int(math.Round(pct))
		res.Passed = pct >= exam.PassingScore
	}
	return res
}

// gradeMultipleChoice awards full points when the selected option is correct.
// Only the latest response for the question counts.
func gradeMultipleChoice(q *model.Question, rs []*model.Response, qr *QuestionResult) []model.GradedResponse {
	r := latest(rs)
	if r == nil {
		return nil
	}

	graded := make([]model.GradedResponse, 0, len(rs))
	correct := false
	if r.SelectedAnswerID != nil {
		qr.Answered = true
		if a := q.FindAnswer(*r.SelectedAnswerID); a != nil && a.IsCorrect {
			correct = true
		}
	}

	if correct {
		qr.Correct = true
		qr.PointsEarned = qr.PointsMax
	}
	for _, other := range rs {
		if other == r {
			graded = append(graded, model.GradedResponse{ResponseID: r.ID, IsCorrect: correct, PointsEarned: round(qr.PointsEarned, 4)})
			continue
		}
		graded = append(graded, model.GradedResponse{ResponseID: other.ID})
	}
	return graded
}

// gradeTrueFalseMulti grades each sub-item against its own is_correct flag.
// Each correct sub-item earns PointsMax/N; the question only counts as
// correct when all N are right. A missing sub-item response is wrong.
func gradeTrueFalseMulti(q *model.Question, rs []*model.Response, qr *QuestionResult) []model.GradedResponse {
	n := len(q.Answers)
	qr.SubItems = n
	if n == 0 {
		return nil
	}

	bySub := make(map[uuid.UUID]*model.Response, len(rs))
	for _, r := range rs {
		if cur, ok := bySub[r.SubItemID]; !ok || r.UpdatedAt.After(cur.UpdatedAt) {
			bySub[r.SubItemID] = r
		}
	}

	perItem := qr.PointsMax / float64(n)
	graded := make([]model.GradedResponse, 0, len(rs))

	for i := range q.Answers {
		item := &q.Answers[i]
		r, ok := bySub[item.ID]
		if !ok {
			continue
		}
		delete(bySub, item.ID)

		correct := false
		if r.BoolChoice != nil {
			qr.Answered = true
			correct = *r.BoolChoice == item.IsCorrect
		}

		g := model.GradedResponse{ResponseID: r.ID, IsCorrect: correct}
		if correct {
			qr.SubCorrect++
			g.PointsEarned = round(perItem, 4)
		}
		graded = append(graded, g)
	}

	// Responses keyed to sub-items the question does not have.
	for _, r := range bySub {
		graded = append(graded, model.GradedResponse{ResponseID: r.ID})
	}

	qr.PointsEarned = perItem * float64(qr.SubCorrect)
	qr.Correct = qr.SubCorrect == n
	return graded
}

// gradeShortAnswer compares the trimmed text with the trimmed answer key.
func gradeShortAnswer(q *model.Question, rs []*model.Response, qr *QuestionResult) []model.GradedResponse {
	r := latest(rs)
	if r == nil {
		return nil
	}

	correct := false
	if r.TextAnswer != nil {
		given := strings.TrimSpace(*r.TextAnswer)
		qr.Answered = given != ""
		if q.CorrectAnswer != nil && given != "" {
			correct = given == strings.TrimSpace(*q.CorrectAnswer)
		}
	}

	if correct {
		qr.Correct = true
		qr.PointsEarned = qr.PointsMax
	}

	graded := make([]model.GradedResponse, 0, len(rs))
	for _, other := range rs {
		if other == r {
			graded = append(graded, model.GradedResponse{ResponseID: r.ID, IsCorrect: correct, PointsEarned: round(qr.PointsEarned, 4)})
			continue
		}
		graded = append(graded, model.GradedResponse{ResponseID: other.ID})
	}
	return graded
}

func latest(rs []*model.Response) *model.Response {
	var out *model.Response
	for _, r := range rs {
		if out == nil || r.UpdatedAt.After(out.UpdatedAt) {
			out = r
		}
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
