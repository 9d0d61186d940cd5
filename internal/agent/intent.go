package agent

import "strings"

// Intent is a coarse classification of a customer message, recorded in the
// conversation context.
type Intent string

const (
	IntentNone        Intent = ""
	IntentGoodbye     Intent = "goodbye"
	IntentFrustration Intent = "frustration"
	IntentTransfer    Intent = "transfer"
)

// Keywords are lowercase and matched as substrings of the lowercased text.
var intentKeywords = map[Intent][]string{
	IntentGoodbye: {
		"goodbye", "bye bye", "have a nice day", "that's all, thanks", "that's all thanks",
		"au revoir", "bonne journée", "à bientôt", "c'est tout, merci",
	},
	IntentFrustration: {
		"ridiculous", "useless", "not helpful", "this is absurd", "fed up", "waste of time",
		"you don't understand", "inadmissible", "ça ne sert à rien", "vous ne comprenez pas",
	},
	IntentTransfer: {
		"speak to someone", "talk to someone", "real person", "human", "advisor", "representative",
		"customer service", "parler à quelqu'un", "conseiller", "humain", "personne réelle", "service client",
	},
}

// Priority when several intents score equally.
var intentOrder = []Intent{IntentTransfer, IntentFrustration, IntentGoodbye}

// DetectIntent scores text against the keyword lists and returns the best match.
func DetectIntent(text string) Intent {
	lower := strings.ToLower(text)

	best, bestScore := IntentNone, 0
	for _, intent := range intentOrder {
		score := 0
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = intent, score
		}
	}
	return best
}
