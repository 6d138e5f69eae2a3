package actions

import "strings"

// Canned response keys.
const (
	ResponseDefault         = "DEFAULT"
	ResponseSubscribe       = "SUBSCRIBE"
	ResponseHelp            = "HELP"
	ResponseStop            = "STOP"
	ResponseEmergency       = "EMERGENCY"
	ResponseCoachingPrompt  = "COACHING_CONFIRM_PROMPT"
	ResponseCoachingYes     = "COACHING_CONFIRM_YES"
	ResponseCoachingNo      = "COACHING_CONFIRM_NO"
	ResponseWin             = "WIN_PROMPT"
	ResponseStopInstruction = "STOP_INSTRUCTION"
	ResponseApology         = "APOLOGY"
)

var canned = map[string]string{
	ResponseDefault:         "Text OUCH to start career tips.",
	ResponseSubscribe:       "Welcome to Neuvero.ai - you're opted into career tips via text. Text HELP for support or STOP to unsubscribe.",
	ResponseHelp:            "Text OUCH for tips or STOP to end",
	ResponseStop:            "You're unsubscribed. Text OUCH to restart",
	ResponseEmergency:       "That sounds urgent. Text 988 for free crisis support now.",
	ResponseCoachingPrompt:  "Need real talk? Text YES for a 10-min call: [go.neuvero.ai/book-floyd]",
	ResponseCoachingYes:     "Great! Book here: [go.neuvero.ai/book-floyd]. Text OUCH anytime.",
	ResponseCoachingNo:      "No problem. Text OUCH anytime.",
	ResponseWin:             "Thanks! Text OUCH anytime.",
	ResponseStopInstruction: "Reply STOP on its own to unsubscribe. Text HELP for support.",
	ResponseApology:         "Sorry, something went wrong on our side. Text OUCH to start again.",
}

// Response returns the canned text for key, or "" if there is none.
func Response(key string) string {
	return canned[key]
}

// Stress trigger profiles, keyed by the numbered menu answer.
const (
	ProfileCoworker = "CO-WORKER"
	ProfileBoss     = "BOSS"
	ProfileSelf     = "SELF"
)

// Brain-state subtypes, keyed by the numbered menu answer.
const (
	SubtypeAmygdala = "Amygdala"
	SubtypeDMN      = "DMN"
	SubtypePFC      = "PFC"
)

var triggerProfiles = map[string]string{"1": ProfileCoworker, "2": ProfileBoss, "3": ProfileSelf}

var subtypes = map[string]string{"1": SubtypeAmygdala, "2": SubtypeDMN, "3": SubtypePFC}

// ProfileFor maps a stress_trigger answer ("1", "2 boss", "Boss") to a profile key.
func ProfileFor(answer string) string {
	return pick(answer, triggerProfiles, map[string]string{"CO-WORKER": ProfileCoworker, "COWORKER": ProfileCoworker, "BOSS": ProfileBoss, "SELF": ProfileSelf})
}

// SubtypeFor maps a subtype_choice answer to a subtype key.
func SubtypeFor(answer string) string {
	return pick(answer, subtypes, map[string]string{"THREAT": SubtypeAmygdala, "FEAR": SubtypeAmygdala, "SPINNING": SubtypeDMN, "FOG": SubtypePFC})
}

func pick(answer string, byNumber, byWord map[string]string) string {
	a := strings.ToUpper(strings.TrimSpace(answer))
	if a == "" {
		return ""
	}
	if v, ok := byNumber[a[:1]]; ok {
		return v
	}
	for word, v := range byWord {
		if strings.Contains(a, word) {
			return v
		}
	}
	return ""
}

// advicePrompts are generation templates per profile: confession, past win, subtype.
var advicePrompts = map[string]string{
	ProfileCoworker: "User said: %s. Context: co-worker issue. Past win: %s. Brain state: %s. Reply in 10 calm words, address workplace frustration with evidence.",
	ProfileBoss:     "User said: %s. Context: boss issue. Past win: %s. Brain state: %s. Reply in 10 calm words, counter doubt with evidence.",
	ProfileSelf:     "User said: %s. Context: self-doubt. Past win: %s. Brain state: %s. Reply in 10 calm words, boost confidence with evidence.",
}

const defaultAdvicePrompt = "User said: %s. Past win: %s. Brain state: %s. Reply in under 160 characters with one calm, concrete next step."

// cannedAdvice is used when generation fails or is disabled. Subtype wins over profile.
var cannedAdvice = map[string]string{
	SubtypeAmygdala: "Threat response detected. Exhale longer than you inhale for 60 seconds, then choose one small next step.",
	SubtypeDMN:      "Spinning thoughts are noise, not signal. Write the worry in one line, then do a 5-minute task.",
	SubtypePFC:      "Brain fog means low bandwidth. Step away for 10 minutes, hydrate, then start the smallest task.",
	ProfileCoworker: "Their behavior is data about them, not you. Name one fact, then reset your focus.",
	ProfileBoss:     "Separate the signal from the tone. Ask one clarifying question, then act on it.",
	ProfileSelf:     "Doubt is a forecast, not a fact. List one recent win and build from it.",
}

const defaultAdvice = "Pause for three slow breaths, then pick the one task that matters most today."

// CannedAdvice returns the fallback advice for a subtype or profile.
func CannedAdvice(subtype, profile string) string {
	if a, ok := cannedAdvice[subtype]; ok {
		return a
	}
	if a, ok := cannedAdvice[profile]; ok {
		return a
	}
	return defaultAdvice
}

// stressKnowledge is the static excerpt the analysis prompt is grounded on.
const stressKnowledge = `Workplace stress patterns:
- Amygdala hijack: threat or fear response, fight/flight/freeze, shaking, racing heart.
- Default Mode Network loop: rumination, replaying conversations, spinning thoughts.
- Prefrontal fatigue: brain fog, decision paralysis, low bandwidth.
Crisis markers: intent of self-harm, harm to others, hopelessness.`
