package content

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

const (
	systemQueries = "You plan web research for an educational narration. " +
		`Reply with a single JSON object: {"queries": ["..."]}.`

	systemSynthesis = "You condense research notes into a factual briefing of 200 to 300 words. " +
		"Keep only claims the notes support. Plain paragraphs, no lists."

	systemScript = "You are an educational video script writer. " +
		"Sound conversational, concise, and confident. " +
		"Focus on one specific aspect of the topic and keep the scope narrow. " +
		"Do not reference sources, docs, or studies; speak with direct authority. " +
		"Every sentence must introduce a concrete fact, mechanism, or necessary transition. " +
		"Do not invent facts not supported by the provided research."

	systemSections = "You split narration scripts into logical sections without rewording them. " +
		`Reply with a single JSON object: {"sections": [{"title": "...", "text": "..."}]}.`

	systemImageQueries = "You find visual aids for an educational video. " +
		`Reply with a single JSON object mapping section numbers to image search queries: {"queries": {"1": ["..."]}}.`

	systemImageMap = "You assign images to the sections of an educational video. " +
		`Reply with a single JSON object mapping section numbers to image indices: {"mapping": {"1": [0, 2]}}.`
)

func scriptCriteria(min, max int) string {
	return fmt.Sprintf(`- Word count between %d and %d.
- Paragraphs only: no headings, lists, or formatting.
- No greetings, scene-setting, rhetorical questions, or wrap-up statements.
- Starts with a concrete definition or key technical claim and ends on a concrete point.
- Focuses on one specific aspect of the topic.
- No source attribution.
- Claims are supported by the research; no invented facts.`, min, max)
}

func outlineBlock(outline string) string {
	if strings.TrimSpace(outline) == "" {
		return ""
	}
	return fmt.Sprintf("<outline>\n%s\n</outline>\n\n", strings.TrimSpace(outline))
}

func queriesPrompt(topic, outline string, n int) string {
	return fmt.Sprintf(`Generate %d diverse web search queries for researching the topic below.
Cover definitions, mechanisms and concrete examples.

<topic>%s</topic>

%s`, n, topic, outlineBlock(outline))
}

func synthesisPrompt(topic, outline string, sources []domain.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a research briefing on <topic>%s</topic>.\n\n%s<notes>\n", topic, outlineBlock(outline))
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, s.Title, clip(s.Content, 800))
	}
	b.WriteString("</notes>\n")
	return b.String()
}

func scriptPrompt(state *domain.RunState, min, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an engaging, informative script about <topic>%s</topic>.\n\n", state.Topic)
	fmt.Fprintf(&b, "<research>\n%s\n</research>\n\n", state.Synthesis)
	b.WriteString(outlineBlock(state.Outline))
	b.WriteString("<sources>\n")
	for _, s := range state.Sources {
		fmt.Fprintf(&b, "- %s: %s\n", s.Title, clip(s.Content, 300))
	}
	b.WriteString("</sources>\n\n")
	fmt.Fprintf(&b, "Write between %d and %d words of continuous paragraphs. ", min, max)
	b.WriteString("Start immediately with a concrete claim. Return ONLY the script text.\n")
	return b.String()
}

func revisionPrompt(script string, fb domain.Feedback, min, max int) string {
	return fmt.Sprintf(`Revise the script to fix ONLY the issues listed below. Make the smallest possible edits.
Do not add new topics or sources.

Issues:
- %s
Fix instructions: %s

Keep the word count between %d and %d, paragraphs only.

<script>
%s
</script>

Return ONLY the revised script text.`,
		strings.Join(fb.Issues, "\n- "), fb.FixGuidance, min, max, script)
}

func sectionsPrompt(script, outline string) string {
	return fmt.Sprintf(`Split the script into 3 to 6 logical sections. Copy each section's text verbatim;
together the sections must cover the whole script in order.
%s
<script>
%s
</script>`, outlineBlock(outline), script)
}

func imageQueriesPrompt(topic string, sections []domain.Section, perSection int, fb domain.Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The video is about %q. For each section, propose %d specific image search queries ", topic, perSection)
	b.WriteString("for diagrams, illustrations, photos or charts.\n\n")
	for _, s := range sections {
		fmt.Fprintf(&b, "Section %d: %s\n%s\n\n", s.Index+1, s.Title, clip(s.Text, 400))
	}
	if fb.IsRetry() {
		fmt.Fprintf(&b, "The previous queries found too few images (%s). %s\nUse broader queries than before.\n",
			strings.Join(fb.Issues, "; "), fb.FixGuidance)
	}
	return b.String()
}

func imageMapPrompt(topic string, sections []domain.Section, images []domain.Image) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The video is about %q. Select the 2 to 4 most relevant images for each section.\n\n", topic)
	for _, s := range sections {
		fmt.Fprintf(&b, "Section %d: %s\n%s\n\n", s.Index+1, s.Title, clip(s.Text, 400))
	}
	b.WriteString("Images:\n")
	for i, img := range images {
		desc := img.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "%d: %s (query: %s)\n", i, desc, img.Query)
	}
	return b.String()
}
