package results

import "context"

// QuestionStat is the cross-user success rate for one question: how many
// recorded answers exist and how many were correct.
type QuestionStat struct {
	Correct    int `json:"correct"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// QuestionStats aggregates success rates for every question of an exam
// across all users' responses with a recorded answer.
func (s *Service) QuestionStats(ctx context.Context, examID string) (map[string]QuestionStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id,
		       COUNT(r.id),
		       COALESCE(SUM(CASE WHEN r.answer = q.correct_option_id THEN 1 ELSE 0 END), 0)
		FROM questions q
		LEFT JOIN responses r ON r.question_id = q.id AND r.answer IS NOT NULL
		WHERE q.exam_id=$1
		GROUP BY q.id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]QuestionStat{}
	for rows.Next() {
		var id string
		var total, correct int
		if err := rows.Scan(&id, &total, &correct); err != nil {
			return nil, err
		}
		out[id] = QuestionStat{
			Correct:    correct,
			Total:      total,
			Percentage: percent(correct, total),
		}
	}
	return out, rows.Err()
}
