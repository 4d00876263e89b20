package content

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
	"golang.org/x/sync/errgroup"
)

const audioFormat = "mp3"

func (p *Pipeline) generateVoice(ctx context.Context, state *domain.RunState, fb domain.Feedback) (domain.Result, error) {
	if strings.TrimSpace(state.Script) == "" {
		return domain.Result{}, domain.NewWiringError(StageVoice, "script")
	}

	chunks := ChunkText(state.Script, p.cfg.Pipeline.SpeechChunkChars)
	voice := strings.ToLower(p.cfg.Providers.Voice)
	p.logger.Info("Synthesizing narration", "run_id", state.RunID, "chunks", len(chunks), "voice", voice)

	audio := make([][]byte, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			data, err := service.Call(gctx, p.services.Speech, func(ctx context.Context) ([]byte, error) {
				return p.providers.Speech.Synthesize(ctx, ports.SpeechRequest{Text: chunk, Voice: voice, Format: audioFormat})
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			audio[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Result{}, err
	}

	// MP3 frames concatenate, so chunk order is all that matters.
	narration := bytes.Join(audio, nil)
	ref := &domain.AudioRef{Format: audioFormat, Chunks: len(chunks), Bytes: int64(len(narration))}
	if dir := p.runDir(state.RunID); dir != "" {
		ref.Path = filepath.Join(dir, "voice", "narration."+audioFormat)
		if err := writeFile(ref.Path, narration); err != nil {
			return domain.Result{}, err
		}
	}

	update := domain.Update{Audio: ref}
	update.Annotate("generate_voice.chunks", len(chunks))
	update.Annotate("generate_voice.voice", voice)
	return domain.Result{Update: update, Output: ref}, nil
}

// ChunkText splits text at sentence boundaries into chunks of at most max
// bytes. A sentence longer than max is split between words, and a word
// longer than max is cut.
func ChunkText(text string, max int) []string {
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	add := func(piece string) {
		switch {
		case cur.Len() == 0:
			cur.WriteString(piece)
		case cur.Len()+1+len(piece) <= max:
			cur.WriteByte(' ')
			cur.WriteString(piece)
		default:
			flush()
			cur.WriteString(piece)
		}
	}

	for _, sentence := range sentences(text) {
		if len(sentence) <= max {
			add(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			for len(word) > max {
				flush()
				cut := runeCut(word, max)
				chunks = append(chunks, word[:cut])
				word = word[cut:]
			}
			add(word)
		}
	}
	flush()
	return chunks
}

// sentences splits on ., ! and ? followed by whitespace.
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.Join(strings.Fields(string(runes[start:i+1])), " "); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.Join(strings.Fields(string(runes[start:])), " "); s != "" {
		out = append(out, s)
	}
	return out
}

func (p *Pipeline) runDir(runID string) string {
	if p.cfg.Pipeline.OutputDir == "" {
		return ""
	}
	return filepath.Join(p.cfg.Pipeline.OutputDir, runID)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// runeCut returns the largest rune boundary in word at or below max. A first
// rune wider than max is kept whole.
func runeCut(word string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(word[cut]) {
		cut--
	}
	if cut == 0 {
		_, cut = utf8.DecodeRuneInString(word)
	}
	return cut
}
