package booking

import "strconv"

// Question is one questionnaire item as served to the rendering layer.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

var epworthQuestions = []Question{
	{ID: "ep_q1", Text: "Sitting and reading"},
	{ID: "ep_q2", Text: "Watching TV"},
	{ID: "ep_q3", Text: "Sitting, inactive in a public place"},
	{ID: "ep_q4", Text: "As a passenger in a car for an hour without a break"},
	{ID: "ep_q5", Text: "Lying down to rest in the afternoon when circumstances permit"},
	{ID: "ep_q6", Text: "Sitting and talking to someone"},
	{ID: "ep_q7", Text: "Sitting quietly after a lunch without alcohol"},
	{ID: "ep_q8", Text: "In a car, while stopped for a few minutes in the traffic"},
}

var osa50Questions = []Question{
	{ID: "osa_q1", Text: "Do you snore loudly (louder than talking or loud enough to be heard through closed doors)?"},
	{ID: "osa_q2", Text: "Do you often feel tired, fatigued, or sleepy during daytime?"},
	{ID: "osa_q3", Text: "Has anyone observed you stop breathing during your sleep?"},
	{ID: "osa_q4", Text: "Do you have or are you being treated for high blood pressure?"},
	{ID: "osa_q5", Text: "Is your BMI more than 35 kg/m²?"},
}

const (
	epworthMaxAnswer = 3
	osaYes           = "yes"
)

// EpworthQuestions returns the 8 item Epworth Sleepiness Scale.
func EpworthQuestions() []Question {
	return append([]Question(nil), epworthQuestions...)
}

// OSA50Questions returns the 5 item OSA-50 screening questionnaire.
func OSA50Questions() []Question {
	return append([]Question(nil), osa50Questions...)
}

// EpworthScore sums the answers, 0..24 for a complete questionnaire.
func EpworthScore(answers EpworthResponses) int {
	score := 0
	for _, v := range answers {
		score += v
	}
	return score
}

// OSA50Score counts the "yes" answers.
func OSA50Score(answers OSA50Responses) int {
	score := 0
	for _, v := range answers {
		if v == osaYes {
			score++
		}
	}
	return score
}

// answerKey maps a form field index to the stored answer key (q1, q2, ...).
func answerKey(i int) string {
	return "q" + strconv.Itoa(i)
}
