package scoring

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func idPtr(v uuid.UUID) *uuid.UUID { return &v }

func mcQuestion(correct int, options int) model.Question {
	q := model.Question{ID: uuid.New(), QuestionType: model.QuestionTypeMultipleChoice}
	for i := 0; i < options; i++ {
		q.Answers = append(q.Answers, model.Answer{ID: uuid.New(), QuestionID: q.ID, IsCorrect: i == correct, OrderNum: i + 1})
	}
	return q
}

func tfmQuestion(keys ...bool) model.Question {
	q := model.Question{ID: uuid.New(), QuestionType: model.QuestionTypeTrueFalseMulti}
	for i, k := range keys {
		q.Answers = append(q.Answers, model.Answer{ID: uuid.New(), QuestionID: q.ID, IsCorrect: k, OrderNum: i + 1})
	}
	return q
}

func saQuestion(key string) model.Question {
	return model.Question{ID: uuid.New(), QuestionType: model.QuestionTypeShortAnswer, CorrectAnswer: strPtr(key)}
}

func pick(q model.Question, option int) model.Response {
	return model.Response{ID: uuid.New(), QuestionID: q.ID, SelectedAnswerID: idPtr(q.Answers[option].ID)}
}

func choose(q model.Question, item int, v bool) model.Response {
	return model.Response{ID: uuid.New(), QuestionID: q.ID, SubItemID: q.Answers[item].ID, BoolChoice: boolPtr(v)}
}

func text(q model.Question, v string) model.Response {
	return model.Response{ID: uuid.New(), QuestionID: q.ID, TextAnswer: strPtr(v)}
}

func TestScoreMixedExam(t *testing.T) {
	exam := &model.Exam{
		DurationMinutes:     60,
		TotalScore:          10,
		MultipleChoiceScore: 6,
		ShortAnswerScore:    4,
		PassingScore:        60,
	}
	mc1, mc2, mc3 := mcQuestion(0, 4), mcQuestion(1, 4), mcQuestion(2, 4)
	sa1, sa2 := saQuestion("42"), saQuestion("3.5")
	questions := []model.Question{mc1, mc2, mc3, sa1, sa2}

	responses := []model.Response{
		pick(mc1, 0),
		pick(mc2, 1),
		pick(mc3, 0),
		text(sa1, " 42 "),
		text(sa2, "3.6"),
	}

	res := Score(exam, questions, responses)
	require.Equal(t, 6.0, res.TotalScore)
	require.Equal(t, 60, res.Percentage)
	require.Equal(t, 3, res.CorrectCount)
	require.True(t, res.Passed)
	require.Len(t, res.Graded, 5)
	require.LessOrEqual(t, res.TotalScore, exam.TotalScore)
}

func TestScoreTrueFalseMultiPartialCredit(t *testing.T) {
	exam := &model.Exam{TotalScore: 8, TrueFalseMultiScore: 8}
	q1 := tfmQuestion(true, false, true, false)
	q2 := tfmQuestion(true, true)

	tests := []struct {
		name      string
		responses []model.Response
		score     float64
		correct   int
	}{
		{
			name:      "all sub-items right",
			responses: []model.Response{choose(q1, 0, true), choose(q1, 1, false), choose(q1, 2, true), choose(q1, 3, false)},
			score:     4,
			correct:   1,
		},
		{
			name:      "three of four",
			responses: []model.Response{choose(q1, 0, true), choose(q1, 1, true), choose(q1, 2, true), choose(q1, 3, false)},
			score:     3,
			correct:   0,
		},
		{
			name:      "unanswered sub-item counts as wrong",
			responses: []model.Response{choose(q1, 0, true), choose(q1, 1, false)},
			score:     2,
			correct:   0,
		},
		{
			name:      "one of two on second question",
			responses: []model.Response{choose(q2, 0, true), choose(q2, 1, false)},
			score:     2,
			correct:   0,
		},
		{
			name:      "nothing answered",
			responses: nil,
			score:     0,
			correct:   0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Score(exam, []model.Question{q1, q2}, tc.responses)
			require.InDelta(t, tc.score, res.TotalScore, 1e-9)
			require.Equal(t, tc.correct, res.CorrectCount)
		})
	}
}

func TestScoreTrueFalseMultiKOfN(t *testing.T) {
	// 3 points over one question with 3 sub-items: each right answer earns 1.
	exam := &model.Exam{TotalScore: 3, TrueFalseMultiScore: 3}
	q := tfmQuestion(true, false, true)

	for k := 0; k <= 3; k++ {
		var rs []model.Response
		for i := 0; i < 3; i++ {
			v := q.Answers[i].IsCorrect
			if i >= k {
				v = !v
			}
			rs = append(rs, choose(q, i, v))
		}
		res := Score(exam, []model.Question{q}, rs)
		require.InDelta(t, float64(k), res.TotalScore, 1e-9, "k=%d", k)
		require.Equal(t, k, res.Questions[0].SubCorrect)
		require.Equal(t, k == 3, res.Questions[0].Correct)
	}
}

func TestScoreShortAnswer(t *testing.T) {
	exam := &model.Exam{TotalScore: 2, ShortAnswerScore: 2}
	q := saQuestion(" 12 ")

	tests := []struct {
		name    string
		given   string
		correct bool
	}{
		{name: "exact", given: "12", correct: true},
		{name: "padded", given: "\t12\n", correct: true},
		{name: "different literal", given: "12.0", correct: false},
		{name: "blank", given: "  ", correct: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Score(exam, []model.Question{q}, []model.Response{text(q, tc.given)})
			require.Equal(t, tc.correct, res.Questions[0].Correct)
			if tc.correct {
				require.Equal(t, 2.0, res.TotalScore)
			} else {
				require.Zero(t, res.TotalScore)
			}
		})
	}
}

func TestScoreMultipleChoiceUsesLatestResponse(t *testing.T) {
	exam := &model.Exam{TotalScore: 1, MultipleChoiceScore: 1}
	q := mcQuestion(2, 3)
	now := time.Now()

	first := pick(q, 2)
	first.UpdatedAt = now
	second := pick(q, 0)
	second.UpdatedAt = now.Add(time.Second)

	res := Score(exam, []model.Question{q}, []model.Response{first, second})
	require.Zero(t, res.TotalScore)
	require.Len(t, res.Graded, 2)
	for _, g := range res.Graded {
		require.False(t, g.IsCorrect)
	}
}

func TestScoreEmptySectionAndZeroTotal(t *testing.T) {
	exam := &model.Exam{MultipleChoiceScore: 5, TotalScore: 0}
	res := Score(exam, nil, nil)
	require.Zero(t, res.TotalScore)
	require.Zero(t, res.Percentage)
	require.False(t, res.Passed)

	ppq := PointsPerQuestion(&model.Exam{MultipleChoiceScore: 6, ShortAnswerScore: 4}, []model.Question{mcQuestion(0, 2)})
	require.Equal(t, 6.0, ppq[model.QuestionTypeMultipleChoice])
	require.Zero(t, ppq[model.QuestionTypeShortAnswer])
}

func TestPercentageRounding(t *testing.T) {
	// 1 of 8 points is 12.5%: displayed as 13 (half away from zero), but the
	// pass check uses the unrounded value.
	exam := &model.Exam{TotalScore: 8, ShortAnswerScore: 8, PassingScore: 13}
	var questions []model.Question
	for i := 0; i < 8; i++ {
		questions = append(questions, saQuestion("1"))
	}
	responses := []model.Response{text(questions[0], "1")}

	res := Score(exam, questions, responses)
	require.Equal(t, 1.0, res.TotalScore)
	require.Equal(t, 13, res.Percentage)
	require.False(t, res.Passed)
}
