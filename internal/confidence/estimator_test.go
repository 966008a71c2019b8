package confidence

import "testing"

func TestScoreDrugWithDose(t *testing.T) {
	e := NewEstimator()

	tests := []string{
		"Took my Metformin 1000mg this morning, doctor started it last month",
		"metformin 500 mg twice daily",
		"insulin 10 units before dinner",
		"Lisinopril 2.5mg as usual",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if got := e.Score(text); got != ScoreCorroborated {
				t.Errorf("Expected score %d, got %d", ScoreCorroborated, got)
			}
		})
	}
}

func TestScoreDrugWithPrescriber(t *testing.T) {
	e := NewEstimator()

	tests := []string{
		"My doctor put me on warfarin",
		"Dr. Lee prescribed sertraline for me",
		"the clinic started atorvastatin",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if got := e.Score(text); got != ScoreCorroborated {
				t.Errorf("Expected score %d, got %d", ScoreCorroborated, got)
			}
		})
	}
}

func TestScoreDrugAlone(t *testing.T) {
	e := NewEstimator()

	tests := []string{
		"still taking the omeprazole",
		"I ran out of albuterol",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if got := e.Score(text); got != ScoreDrugOnly {
				t.Errorf("Expected score %d, got %d", ScoreDrugOnly, got)
			}
		})
	}
}

func TestScoreVagueReference(t *testing.T) {
	e := NewEstimator()

	tests := []string{
		"I take a pill for my heart every morning",
		"forgot my medication yesterday",
		"used my inhaler twice",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if got := e.Score(text); got != ScoreVague {
				t.Errorf("Expected score %d, got %d", ScoreVague, got)
			}
		})
	}
}

func TestScoreNone(t *testing.T) {
	e := NewEstimator()

	tests := []string{
		"See you at the appointment on Tuesday",
		"Thanks!",
		"",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if got := e.Score(text); got != ScoreNone {
				t.Errorf("Expected score %d, got %d", ScoreNone, got)
			}
		})
	}
}

// Without a recognized drug name the score never exceeds 1, no matter
// how specific the rest of the claim looks.
func TestNoDrugNameCapsScoreAtOne(t *testing.T) {
	e := NewEstimator()

	tests := []string{
		"took 500mg of something for my back",
		"my doctor gave me a pill",
		"the white pill, 20mg, from Dr. Smith",
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			if got := e.Score(text); got > ScoreVague {
				t.Errorf("Expected score <= %d without a drug name, got %d", ScoreVague, got)
			}
		})
	}
}

func TestScoreWholeWordDrugMatch(t *testing.T) {
	e := NewEstimator()

	// "aspiring" must not match "aspirin"
	if got := e.Score("I am aspiring to exercise more"); got != ScoreNone {
		t.Errorf("Expected score %d for non-drug token, got %d", ScoreNone, got)
	}
}

func TestScoreDeterministic(t *testing.T) {
	e := NewEstimator()

	text := "Took my Metformin 1000mg this morning"
	first := e.Score(text)
	for i := 0; i < 10; i++ {
		if got := e.Score(text); got != first {
			t.Fatalf("Score changed between runs: %d then %d", first, got)
		}
	}
}
