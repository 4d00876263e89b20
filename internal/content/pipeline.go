package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/dsl"
	"github.com/aretw0/espalier/pkg/gate"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/service"
)

// Stage names.
const (
	StageResearch  domain.StageName = "research"
	StageScript    domain.StageName = "synthesize_script"
	StageParse     domain.StageName = "parse_script"
	StageCollect   domain.StageName = "collect_images"
	StageMapImages domain.StageName = "map_images"
	StageVoice     domain.StageName = "generate_voice"
	StageFinalize  domain.StageName = "finalize"
)

const (
	defaultScriptCap = 3
	defaultImagesCap = 2
)

// ErrInsufficientResearch is returned by research when too few sources survive
// deduplication.
var ErrInsufficientResearch = errors.New("insufficient research")

// Providers are the external services the pipeline talks to. Judge defaults
// to Text.
type Providers struct {
	Text   ports.TextGenerator
	Judge  ports.TextGenerator
	Search ports.Searcher
	Images ports.ImageSearcher
	Speech ports.SpeechSynthesizer
}

// Services hold one budget per external service. Text also serves the judge.
type Services struct {
	Text   *service.Client
	Search *service.Client
	Speech *service.Client
}

// All returns the clients, for metrics registration.
func (s Services) All() []*service.Client {
	return []*service.Client{s.Text, s.Search, s.Speech}
}

// NewServices builds the service clients described by cfg.
func NewServices(cfg *config.Config, logger *slog.Logger, opts ...service.Option) (Services, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	build := func(name string) (*service.Client, error) {
		sc, err := cfg.Service(name)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		return service.New(name, sc, append([]service.Option{service.WithLogger(logger)}, opts...)...)
	}

	var (
		s   Services
		err error
	)
	if s.Text, err = build(config.ServiceText); err != nil {
		return Services{}, err
	}
	if s.Search, err = build(config.ServiceSearch); err != nil {
		return Services{}, err
	}
	if s.Speech, err = build(config.ServiceSpeech); err != nil {
		return Services{}, err
	}
	return s, nil
}

// Pipeline holds the stage implementations.
type Pipeline struct {
	providers Providers
	services  Services
	cfg       *config.Config
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used by the stages.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates the pipeline. A nil cfg means config.Default().
func NewPipeline(cfg *config.Config, providers Providers, services Services, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	if providers.Judge == nil {
		providers.Judge = providers.Text
	}
	p := &Pipeline{
		providers: providers,
		services:  services,
		cfg:       cfg,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Graph wires the stages. Retry caps and cap policies come from the gates
// section of the configuration.
func (p *Pipeline) Graph() (*runtime.Graph, error) {
	settings := p.cfg.Pipeline
	scriptCap, scriptPolicy := p.cfg.Gate(string(StageScript), defaultScriptCap)
	imagesCap, imagesPolicy := p.cfg.Gate(string(StageCollect), defaultImagesCap)

	judge := gate.NewJudge(p.providers.Judge, p.services.Text,
		gate.WithCriteria(scriptCriteria(settings.ScriptMinWords, settings.ScriptMaxWords)),
		gate.WithPassScore(settings.JudgePassScore),
	)
	scriptGate := gate.Chain(gate.WordRange(settings.ScriptMinWords, settings.ScriptMaxWords), judge)
	imagesGate := gate.MinItems("images", settings.ImagesMinTotal, func(c gate.Candidate) int {
		return len(c.State.Images)
	})

	b := dsl.New(StageResearch)
	b.Func(StageResearch, p.research).Go(StageScript)
	b.Func(StageScript, p.synthesizeScript).Gate(scriptGate, scriptCap).OnCap(scriptPolicy).Go(StageParse)
	b.Func(StageParse, p.parseScript).Go(StageCollect)
	b.Func(StageCollect, p.collectImages).Gate(imagesGate, imagesCap).OnCap(imagesPolicy).Go(StageMapImages)
	b.Func(StageMapImages, p.mapImages).Go(StageVoice)
	b.Func(StageVoice, p.generateVoice).Go(StageFinalize)
	b.Func(StageFinalize, p.finalize).Terminal()
	return b.Build()
}

// decodeObject reads the first JSON object of a model reply into v, tolerating
// code fences and surrounding prose.
func decodeObject(reply string, v any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return errors.New("reply contains no JSON object")
	}
	return json.Unmarshal([]byte(reply[start:end+1]), v)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
