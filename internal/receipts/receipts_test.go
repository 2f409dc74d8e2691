package receipts

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/prompts"
	"github.com/nugget/reimburse-agent/internal/store"
)

type scriptedChat struct {
	replies []string
	err     error
	got     [][]llm.Message
}

func (s *scriptedChat) Chat(_ context.Context, _ string, msgs []llm.Message, _ llm.Options) (*llm.ChatResponse, error) {
	s.got = append(s.got, msgs)
	if s.err != nil {
		return nil, s.err
	}
	reply := ""
	if len(s.replies) > 0 {
		reply, s.replies = s.replies[0], s.replies[1:]
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: reply}}, nil
}

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder map[string][]float32

func (f fakeEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if v, ok := f[text]; ok {
		return v, nil
	}
	return nil, errors.New("no vector for text")
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DriverPure, filepath.Join(t.TempDir(), "receipts.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExtractReceiptType(t *testing.T) {
	tests := []struct {
		in   string
		want employees.ExpenseType
	}{
		{"FOOD_EXPENSE", employees.FoodExpense},
		{"  travel_expense\n", employees.TravelExpense},
		{"**TECH_EXPENSE**", employees.TechExpense},
		{"Receipt Type: TRAVEL_EXPENSE", employees.TravelExpense},
		{"category - tech_expense", employees.TechExpense},
		{"The type:FOOD_EXPENSE based on items", employees.FoodExpense},
		{"This looks like a restaurant bill", employees.OtherExpense},
		{"", employees.OtherExpense},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ExtractReceiptType(tt.in); got != tt.want {
				t.Errorf("ExtractReceiptType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestClassifier(t *testing.T) {
	chat := &scriptedChat{replies: []string{"Category: FOOD_EXPENSE", "  Merchant/Store name: Paradise\nTotal amount: 450  "}}
	c := NewClassifier(chat, "vlm", llm.Options{Temperature: 0.1, Seed: 1024, MaxTokens: 512}, nil)
	ctx := context.Background()

	typ, raw, err := c.Classify(ctx, "aW1n")
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if typ != employees.FoodExpense || raw != "Category: FOOD_EXPENSE" {
		t.Errorf("Classify() = %s, %q", typ, raw)
	}

	content, err := c.Extract(ctx, "aW1n", typ)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if content != "Merchant/Store name: Paradise\nTotal amount: 450" {
		t.Errorf("Extract() = %q", content)
	}

	if len(chat.got) != 2 {
		t.Fatalf("model called %d times, want 2", len(chat.got))
	}
	if imgs := chat.got[0][0].Images; len(imgs) != 1 || imgs[0] != "aW1n" {
		t.Errorf("classification images = %v", imgs)
	}
	if !strings.Contains(chat.got[1][0].Content, "Alcoholic items") {
		t.Error("extraction should use the food field list")
	}
}

func TestClassifier_Error(t *testing.T) {
	c := NewClassifier(&scriptedChat{err: errors.New("backend down")}, "vlm", llm.Options{}, nil)
	if _, _, err := c.Classify(context.Background(), "aW1n"); err == nil {
		t.Error("Classify() should surface model errors")
	}
}

func TestMatcher(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	emb := fakeEmbedder{
		"paradise 450":       {1, 0, 0},
		"paradise 450 again": {0.99, 0.05, 0},
		"uber 300":           {0, 1, 0},
	}
	m := NewMatcher(s, emb, 0.95, nil)

	hint, err := m.FindDuplicate(ctx, employees.FoodExpense, "paradise 450")
	if err != nil || hint != nil {
		t.Fatalf("FindDuplicate() on empty store = %+v, %v", hint, err)
	}

	if err := m.Save(ctx, "f1", employees.FoodExpense, "paradise 450", "aW1nMQ=="); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := m.Save(ctx, "f2", employees.TravelExpense, "uber 300", "aW1nMg=="); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	hint, err = m.FindDuplicate(ctx, employees.FoodExpense, "paradise 450 again")
	if err != nil {
		t.Fatalf("FindDuplicate() error: %v", err)
	}
	if hint == nil {
		t.Fatal("FindDuplicate() = nil, want a hint for f1")
	}
	if hint.MatchingFileID != "f1" || hint.MatchingReceiptImage != "aW1nMQ==" {
		t.Errorf("hint = %+v", hint)
	}
	if !strings.Contains(hint.Message, "f1") || hint.Similarity < 0.95 {
		t.Errorf("hint = %+v", hint)
	}

	// Different type never matches.
	hint, err = m.FindDuplicate(ctx, employees.TechExpense, "paradise 450 again")
	if err != nil || hint != nil {
		t.Errorf("FindDuplicate(TECH) = %+v, %v, want nil", hint, err)
	}

	// The closest record wins over a dissimilar one of the same type.
	if err := m.Save(ctx, "f3", employees.TravelExpense, "paradise 450", "x"); err != nil {
		t.Fatal(err)
	}
	hint, err = m.FindDuplicate(ctx, employees.TravelExpense, "uber 300")
	if err != nil {
		t.Fatal(err)
	}
	if hint == nil || hint.MatchingFileID != "f2" {
		t.Errorf("FindDuplicate(TRAVEL) = %+v, want f2", hint)
	}

	n, err := m.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}
}

func TestMatcher_EmbedError(t *testing.T) {
	s := testStore(t)
	m := NewMatcher(s, fakeEmbedder{"known": {1}}, 0.95, nil)
	ctx := context.Background()
	if err := m.Save(ctx, "f1", employees.FoodExpense, "known", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FindDuplicate(ctx, employees.FoodExpense, "unknown"); err == nil {
		t.Error("FindDuplicate() should surface embedding errors")
	}
}

func TestComparator(t *testing.T) {
	tests := []struct {
		name      string
		chat      *scriptedChat
		original  string
		candidate string
		want      string
	}{
		{"verdict", &scriptedChat{replies: []string{" YES, same merchant, date and total. "}}, "a", "b", "YES, same merchant, date and total."},
		{"model error", &scriptedChat{err: errors.New("timeout")}, "a", "b", prompts.DuplicateCheckFallback},
		{"empty reply", &scriptedChat{replies: []string{"  "}}, "a", "b", prompts.DuplicateCheckFallback},
		{"missing candidate", &scriptedChat{}, "a", "", prompts.DuplicateCheckFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewComparator(tt.chat, "qwen2-vl", llm.Options{}, nil)
			if got := c.Compare(context.Background(), tt.original, tt.candidate); got != tt.want {
				t.Errorf("Compare() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComparator_SendsBothImages(t *testing.T) {
	chat := &scriptedChat{replies: []string{"NO"}}
	NewComparator(chat, "m", llm.Options{}, nil).Compare(context.Background(), "orig", "dup")
	if len(chat.got) != 1 {
		t.Fatalf("calls = %d", len(chat.got))
	}
	imgs := chat.got[0][0].Images
	if len(imgs) != 2 || imgs[0] != "orig" || imgs[1] != "dup" {
		t.Errorf("images = %v, want [orig dup]", imgs)
	}
}

func TestDuplicatePolicy(t *testing.T) {
	tests := []struct {
		policy     DuplicatePolicy
		verdict    string
		similarity float64
		want       bool
	}{
		{PolicyVerdict, "YES, identical", 0.5, true},
		{PolicyVerdict, "NO, different dates", 0.99, false},
		{PolicyVerdict, prompts.DuplicateCheckFallback, 0.99, false},
		{PolicyEmbedding, "NO", 0.97, true},
		{PolicyEmbedding, "YES", 0.90, false},
		{PolicyBoth, "yes", 0.97, true},
		{PolicyBoth, "YES", 0.90, false},
		{PolicyBoth, "NO", 0.97, false},
	}
	for _, tt := range tests {
		if got := tt.policy.Decide(tt.verdict, tt.similarity, 0.95); got != tt.want {
			t.Errorf("%s.Decide(%q, %.2f) = %v, want %v", tt.policy, tt.verdict, tt.similarity, got, tt.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyVerdict {
		t.Errorf("ParsePolicy(\"\") = %q, %v", p, err)
	}
	if p, err := ParsePolicy("Both"); err != nil || p != PolicyBoth {
		t.Errorf("ParsePolicy(Both) = %q, %v", p, err)
	}
	if _, err := ParsePolicy("either"); err == nil {
		t.Error("ParsePolicy(either) should fail")
	}
}
