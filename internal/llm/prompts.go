package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// maxPromptMemoryText bounds the text of any one memory placed in a prompt.
const maxPromptMemoryText = 600

// MaxOutputTokens bounds one completion. Both prompts ask for a few
// sentences or at most three short rules.
const MaxOutputTokens = 512

// SystemPrompt frames every completion, whichever provider serves it.
const SystemPrompt = `You are the recall layer of a personal memory system.
You only ever see memories the owner has cleared for this request.
Work strictly from the material in the prompt: never add people, events or feelings it does not contain.
Treat what you are shown as private. Do not quote it back at length.
Answer in exactly the format the prompt asks for and nothing else.`

// PromptMemory is the slice of a memory a prompt is allowed to see.
type PromptMemory struct {
	Text      string
	CreatedAt time.Time
	Valence   float64
	Salience  int
}

// RelationshipPrompt asks for a short description of how two entities relate,
// grounded only in the given shared memories.
func RelationshipPrompt(entityA, entityB string, memories []PromptMemory, interactionCount int, pressureBalance float64, extra string) string {
	var b strings.Builder
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. [%s] (salience %d, valence %+.2f) %s\n",
			i+1, m.CreatedAt.UTC().Format("2006-01-02"), m.Salience, m.Valence, truncate(m.Text, maxPromptMemoryText))
	}
	if b.Len() == 0 {
		b.WriteString("(no shareable memories)\n")
	}

	requestContext := "none"
	if strings.TrimSpace(extra) != "" {
		requestContext = strings.TrimSpace(extra)
	}

	return fmt.Sprintf(`You describe the relationship between two people from shared memories.

PERSON A: %s
PERSON B: %s
INTERACTIONS RECORDED: %d
PRESSURE BALANCE: %+.2f (positive means A has been under more strain from B than B from A)
REQUEST CONTEXT: %s

SHARED MEMORIES (oldest first):
%s
Rules:
- Use only the memories above. Do not invent events.
- Two to four sentences, plain prose, no lists, no headings.
- Describe the current state of the relationship and any open tension.
- If the memories are thin, say so briefly.`, entityA, entityB, interactionCount, pressureBalance, requestContext, b.String())
}

// HookPrompt asks for resurfacing conditions for one memory as a JSON array.
func HookPrompt(text string, entityIDs, topics, openLoops []string, location string) string {
	return fmt.Sprintf(`You decide when a memory should be brought back up in conversation.

MEMORY: %s
PEOPLE: %s
TOPICS: %s
OPEN LOOPS: %s
LOCATION: %s

Propose up to three trigger rules. Each rule is the set of context conditions
that must ALL hold for the memory to be useful again.

Allowed fields: talking_to, location, activity, time_window (HH:MM-HH:MM), topic, device, emotion, open_loop
Allowed priorities: critical, high, medium, low

Return ONLY a JSON array, no other text:
[{"entity_id": "who should be reminded", "priority": "medium", "conditions": [{"field": "talking_to", "value": "bob"}]}]

If no rule makes sense, return: []`,
		truncate(text, maxPromptMemoryText),
		listOrNone(entityIDs), listOrNone(topics), listOrNone(openLoops), orNone(location))
}

// ProposedHook is one rule returned by the hook prompt.
type ProposedHook struct {
	EntityID   string `json:"entity_id"`
	Priority   string `json:"priority"`
	Conditions []struct {
		Field string `json:"field"`
		Value string `json:"value"`
	} `json:"conditions"`
}

// ParseHookResponse extracts the JSON array from a hook prompt completion.
func ParseHookResponse(content string) ([]ProposedHook, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var hooks []ProposedHook
	if err := json.Unmarshal([]byte(content[start:end+1]), &hooks); err != nil {
		return nil, fmt.Errorf("unmarshal hooks: %w", err)
	}
	return hooks, nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}

func listOrNone(xs []string) string {
	if len(xs) == 0 {
		return "none"
	}
	return strings.Join(xs, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
