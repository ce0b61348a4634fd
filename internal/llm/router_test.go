package llm

import (
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

func routerWith(t *testing.T, cfg config.RoutingConfig, descriptors []models.ModelDescriptor) *Router {
	t.Helper()
	a := &fakeAdapter{name: "a", models: []string{}}
	ids := []string{}
	for _, d := range descriptors {
		ids = append(ids, d.ID)
	}
	a.models = ids
	gw := NewGateway(Options{})
	gw.RegisterProvider("a", a, ids, 1, descriptors)
	return NewRouter(cfg, gw)
}

func defaultRouting() config.RoutingConfig {
	return config.RoutingConfig{
		Enabled:        true,
		BaseScore:      10,
		LengthWeight:   2,
		CodeBlockScore: 15,
		ToolCallScore:  20,
		MultiTurnScore: 1,
	}
}

func standardDescriptors() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ID: "tiny", Level: models.LevelFast, Capabilities: models.Capabilities{Tools: true}},
		{ID: "mid", Level: models.LevelMedium, Capabilities: models.Capabilities{Tools: true}},
		{ID: "big", Level: models.LevelUltra, Capabilities: models.Capabilities{Tools: true, Vision: true}},
	}
}

func userMsg(text string) models.ChatMessage {
	return models.ChatMessage{Role: models.RoleUser, Content: text}
}

func TestSelectShortMessageGetsFastModel(t *testing.T) {
	r := routerWith(t, defaultRouting(), standardDescriptors())
	d, ok := r.Select([]models.ChatMessage{userMsg("hi")}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if d.ID != "tiny" {
		t.Errorf("selected %s, want tiny", d.ID)
	}
}

func TestSelectCodeBlocksRaiseLevel(t *testing.T) {
	r := routerWith(t, defaultRouting(), standardDescriptors())
	code := "fix this\n```go\nfunc main() {}\n```\nand this\n```go\nvar x int\n```\n" + strings.Repeat("context ", 200)
	d, ok := r.Select([]models.ChatMessage{userMsg(code)}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if d.Level.Rank() < models.LevelMedium.Rank() {
		t.Errorf("complex input routed to %s", d.Level)
	}
}

func TestSelectVisionRestrictsCandidates(t *testing.T) {
	r := routerWith(t, defaultRouting(), standardDescriptors())
	msg := models.ChatMessage{Role: models.RoleUser, Parts: []models.ContentPart{
		{Type: models.PartText, Text: "what is this?"},
		{Type: models.PartImage, ImageURL: "https://example.com/x.png"},
	}}
	d, ok := r.Select([]models.ChatMessage{msg}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if !d.Capabilities.Vision {
		t.Errorf("non-vision model %s chosen for image input", d.ID)
	}
}

func TestSelectToolKeywordRestrictsToToolModels(t *testing.T) {
	cfg := defaultRouting()
	cfg.ToolKeywords = []string{"search the web"}
	descriptors := []models.ModelDescriptor{
		{ID: "plain", Level: models.LevelFast},
		{ID: "agentic", Level: models.LevelMedium, Capabilities: models.Capabilities{Tools: true}},
	}
	r := routerWith(t, cfg, descriptors)
	d, ok := r.Select([]models.ChatMessage{userMsg("please Search The Web for cats")}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if d.ID != "agentic" {
		t.Errorf("selected %s, want agentic", d.ID)
	}
}

func TestSelectKeywordRulePriorityWins(t *testing.T) {
	cfg := defaultRouting()
	cfg.Rules = []config.RoutingRule{
		{Keywords: []string{"translate"}, Level: models.LevelFast, Priority: 1},
		{Keywords: []string{"translate carefully"}, Level: models.LevelUltra, Priority: 10},
	}
	r := routerWith(t, cfg, standardDescriptors())
	d, ok := r.Select([]models.ChatMessage{userMsg("translate carefully this poem")}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if d.ID != "big" {
		t.Errorf("higher-priority rule ignored: %s", d.ID)
	}
}

func TestSelectMaxModeForcesUltra(t *testing.T) {
	cfg := defaultRouting()
	cfg.Max = true
	r := routerWith(t, cfg, standardDescriptors())
	d, ok := r.Select([]models.ChatMessage{userMsg("hi")}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if d.Level != models.LevelUltra {
		t.Errorf("max mode selected %s", d.Level)
	}
}

func TestSelectClosestLevelWhenNoExactMatch(t *testing.T) {
	descriptors := []models.ModelDescriptor{
		{ID: "low", Level: models.LevelLow, Capabilities: models.Capabilities{Tools: true}},
		{ID: "high", Level: models.LevelHigh, Capabilities: models.Capabilities{Tools: true}},
	}
	r := routerWith(t, defaultRouting(), descriptors)
	// Short input targets fast; with no fast model, low is closest.
	d, ok := r.Select([]models.ChatMessage{userMsg("hi")}, nil)
	if !ok {
		t.Fatal("no candidate")
	}
	if d.ID != "low" {
		t.Errorf("selected %s, want low", d.ID)
	}
}

func TestSelectMediaAttachmentTriggersVision(t *testing.T) {
	r := routerWith(t, defaultRouting(), standardDescriptors())
	d, ok := r.Select([]models.ChatMessage{userMsg("look at this")},
		[]models.Media{{Type: "image", MimeType: "image/png"}})
	if !ok {
		t.Fatal("no candidate")
	}
	if !d.Capabilities.Vision {
		t.Errorf("vision signal from media ignored: %s", d.ID)
	}
}
