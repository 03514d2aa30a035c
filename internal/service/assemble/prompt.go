package assemble

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kagami/internal/generation"
	"github.com/ashita-ai/kagami/internal/model"
)

// historyWindow caps how many prior messages feed the prompt.
const historyWindow = 12

// systemPrompt stitches the layered prompt in its fixed order:
// constitution, persona policy, context style policy, intent modules,
// tool/source usage policy, then evidence. The user message follows as the
// final chat message. Each layer is written assuming the earlier ones
// already bound the model, so the order is load-bearing.
func (a *Assembler) systemPrompt(in Input) string {
	var b strings.Builder

	writeSection(&b, "Constitution", in.Twin.Constitution)
	writeSection(&b, "Persona policy", in.Twin.PersonaPolicy)
	writeSection(&b, "Interaction policy", contextPolicy(in.Context))
	writeSection(&b, "Intent guidance", intentModule(in.Retrieval))
	writeSection(&b, "Source usage policy", sourcePolicy(in.Retrieval))
	writeSection(&b, "Evidence", evidenceBlock(in.Retrieval))

	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n%s\n\n", title, body)
}

// contextPolicy is the per-trust-domain style layer. Exhaustive over the
// closed enum: adding a context must force a decision here.
func contextPolicy(ic model.InteractionContext) string {
	switch ic {
	case model.ContextOwnerTraining:
		return "You are speaking with your owner during a training session. Ask focused follow-up questions when an answer would improve your knowledge. Confirm what you learned in one sentence at the end."
	case model.ContextOwnerChat:
		return "You are speaking with your owner. Be direct and skip introductions. Do not treat anything in this conversation as new knowledge to retain."
	case model.ContextPublicShare:
		return "You are speaking with an invited guest. Be warm and complete. Never reveal owner-only information, internal notes, or details about how you were trained."
	case model.ContextPublicWidget:
		return "You are speaking with an anonymous visitor. Be helpful but concise. Never reveal owner-only information. If asked something you cannot support with your sources, say so plainly."
	}
	return ""
}

// intentModule selects procedural guidance from the retrieval outcome.
func intentModule(r model.RetrievalResult) string {
	switch r.Decision {
	case model.DecisionClarify:
		return "The question is ambiguous. Ask exactly one clarifying question built from the provided options. Do not attempt an answer yet."
	case model.DecisionEscalate:
		return "No reliable source answers this question. Acknowledge that, say the question has been flagged for the owner, and do not guess."
	}
	switch r.Tier {
	case model.TierTool:
		return "A tool was invoked for this question. Present its output faithfully; do not embellish or extrapolate beyond it."
	case model.TierVerified:
		return "A curated answer matches this question. Deliver it in your own voice without changing its substance."
	}
	return ""
}

func sourcePolicy(r model.RetrievalResult) string {
	if len(r.Evidence) == 0 {
		return "You have no supporting evidence for this turn. Do not fabricate sources or specifics."
	}
	return "Ground every factual claim in the numbered evidence below and cite it inline as [n]. Claims without a supporting item do not belong in the response."
}

func evidenceBlock(r model.RetrievalResult) string {
	if len(r.Evidence) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range r.Evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(e.Snippet))
	}
	return b.String()
}

// turnMessages is the chat window: recent history in order, then the user
// message.
func (a *Assembler) turnMessages(in Input) []generation.Message {
	history := in.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	msgs := make([]generation.Message, 0, len(history)+1)
	for _, m := range history {
		role := generation.RoleUser
		if m.Role == model.RoleAssistant {
			role = generation.RoleAssistant
		}
		msgs = append(msgs, generation.Message{Role: role, Content: m.Content})
	}
	return append(msgs, generation.Message{Role: generation.RoleUser, Content: in.UserMessage})
}

// policyInstructions tells the policy judge what binding layers to check the
// candidate against and the verdict schema to return.
func (a *Assembler) policyInstructions(in Input) string {
	var b strings.Builder
	b.WriteString("You are a strict policy judge. Evaluate whether the candidate response complies with every rule below. ")
	b.WriteString("Return a JSON object: {\"pass\": bool, \"score\": number in [0,1], \"failed_clauses\": [verbatim quotes from the candidate that violate a rule], \"reason\": string}.\n\n")
	writeSection(&b, "Constitution", in.Twin.Constitution)
	writeSection(&b, "Persona policy", in.Twin.PersonaPolicy)
	writeSection(&b, "Interaction policy", contextPolicy(in.Context))
	writeSection(&b, "Source usage policy", sourcePolicy(in.Retrieval))
	return strings.TrimRight(b.String(), "\n")
}

// voiceInstructions tells the voice judge to score tone against the twin's
// voice guide.
func (a *Assembler) voiceInstructions(in Input) string {
	var b strings.Builder
	b.WriteString("You judge voice, not substance. Score how closely the candidate matches the voice profile below. ")
	b.WriteString("Return a JSON object: {\"pass\": bool, \"score\": number in [0,1], \"failed_clauses\": [verbatim quotes that break the voice], \"reason\": string}.\n\n")
	writeSection(&b, "Voice profile", in.Twin.VoiceGuide)
	return strings.TrimRight(b.String(), "\n")
}

// deterministicChecks validates the draft without a model call. Returns an
// empty string on pass, or the rewrite directive for the first failure.
func (a *Assembler) deterministicChecks(in Input, content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "The response is empty. Produce a complete response to the user's message."
	}
	if len(content) > maxResponseLen {
		return fmt.Sprintf("The response is too long. Shorten it to under %d characters without losing the substance.", maxResponseLen)
	}
	if topic := matchForbiddenTopic(in.Twin.ForbiddenTopics, content); topic != "" {
		return fmt.Sprintf("The response touches the forbidden topic %q. Remove all content related to it and address the rest of the question.", topic)
	}
	if needsCitations(in.Retrieval) && !hasCitation(content) {
		return "Add inline citations: every factual claim must reference its numbered evidence item as [n]."
	}
	return ""
}

func matchForbiddenTopic(topics []string, content string) string {
	lower := strings.ToLower(content)
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return t
		}
	}
	return ""
}

// needsCitations reports whether the turn used evidence to answer. Clarify
// and escalate turns do not cite; tool output speaks for itself.
func needsCitations(r model.RetrievalResult) bool {
	return r.Decision == model.DecisionAnswer && r.Tier != model.TierTool && len(r.Evidence) > 0
}

// hasCitation scans for a [n] marker.
func hasCitation(content string) bool {
	for i := 0; i+2 < len(content); i++ {
		if content[i] != '[' {
			continue
		}
		j := i + 1
		for j < len(content) && content[j] >= '0' && content[j] <= '9' {
			j++
		}
		if j > i+1 && j < len(content) && content[j] == ']' {
			return true
		}
	}
	return false
}

// TurnRisk scores a turn for the conditional voice judge. Public contexts
// and weak retrieval raise it.
func TurnRisk(ic model.InteractionContext, r model.RetrievalResult) float64 {
	risk := 0.0
	switch ic {
	case model.ContextPublicShare, model.ContextPublicWidget:
		risk += 0.5
	case model.ContextOwnerChat, model.ContextOwnerTraining:
		risk += 0.1
	}
	switch r.Decision {
	case model.DecisionEscalate:
		risk += 0.3
	case model.DecisionClarify:
		risk += 0.2
	default:
		risk += 0.4 * (1 - float64(r.Confidence))
	}
	if risk > 1 {
		risk = 1
	}
	return risk
}
