package corrector

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sceneforge/internal/classify"
)

func capRecord() classify.Record {
	return classify.Record{
		Kind:    classify.KindCapabilityMismatch,
		Message: "cannot import name 'ShowCreation'",
	}
}

func TestRewriteTable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		rec  classify.Record
		want string
	}{
		{
			name: "Deprecated animation",
			in:   "self.play(ShowCreation(circle))",
			rec:  capRecord(),
			want: "self.play(Create(circle))",
		},
		{
			name: "Removed text class via NameError",
			in:   "title = TextMobject(\"Hi\")",
			rec:  classify.Record{Kind: classify.KindUndefinedReference},
			want: "title = Text(\"Hi\")",
		},
		{
			name: "Graph helper rename",
			in:   "curve = axes.get_graph(f)",
			rec:  capRecord(),
			want: "curve = axes.plot(f)",
		},
		{
			name: "Wrong kind leaves code alone",
			in:   "self.play(ShowCreation(circle))",
			rec:  classify.Record{Kind: classify.KindTimeout},
			want: "self.play(ShowCreation(circle))",
		},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Apply(tt.in, tt.rec)
			if diff := cmp.Diff(tt.want, got.Program); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDropKeywordArgument(t *testing.T) {
	rec := classify.Record{
		Kind:     classify.KindParameterMismatch,
		Patterns: []string{"colour"},
	}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "Trailing kwarg",
			in:   "Circle(radius=1, colour=RED)",
			want: "Circle(radius=1)",
		},
		{
			name: "Leading kwarg",
			in:   "Circle(colour=RED, radius=1)",
			want: "Circle(radius=1)",
		},
		{
			name: "Only kwarg",
			in:   "Circle(colour=RED)",
			want: "Circle()",
		},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Apply(tt.in, rec)
			if got.Program != tt.want {
				t.Errorf("Apply() = %q, want %q", got.Program, tt.want)
			}
		})
	}
}

func TestFenceStripping(t *testing.T) {
	c := New()
	in := "```python\nx = 1\n```\n"
	got := c.Apply(in, classify.Record{Kind: classify.KindUnknown})
	if strings.Contains(got.Program, "```") {
		t.Errorf("fences not stripped: %q", got.Program)
	}
	if !got.Changed {
		t.Error("Changed should be true after stripping fences")
	}
}

func TestIdempotence(t *testing.T) {
	c := New()
	records := []classify.Record{
		capRecord(),
		{Kind: classify.KindParameterMismatch, Patterns: []string{"colour"}},
		{Kind: classify.KindLayoutConflict},
		{Kind: classify.KindUnknown},
	}
	programs := []string{
		"self.play(ShowCreation(c), FadeInFromDown(t))",
		"Circle(radius=1, colour=RED)\nSquare(colour=BLUE)",
		"a.move_to([0, 0, 0])\nb.move_to([0.5, 0.2, 0])\nc.move_to([9.0, 5.0, 0])",
		"print('hello')",
	}

	for _, rec := range records {
		for _, p := range programs {
			once := c.Apply(p, rec)
			twice := c.Apply(once.Program, rec)
			if twice.Program != once.Program {
				t.Errorf("not idempotent for kind %s:\nfirst:  %q\nsecond: %q",
					rec.Kind, once.Program, twice.Program)
			}
			if twice.Changed && !twice.GaveUp {
				t.Errorf("second application reported Changed for kind %s on %q", rec.Kind, p)
			}
		}
	}
}

func TestLayoutOverflowClamped(t *testing.T) {
	c := New()
	rec := classify.Record{Kind: classify.KindLayoutConflict}

	got := c.Apply("box.move_to([9.0, 5.0, 0])", rec)
	if got.GaveUp {
		t.Fatal("single overflow should converge")
	}
	want := "box.move_to([6.11, 3.20, 0])"
	if got.Program != want {
		t.Errorf("Apply() = %q, want %q", got.Program, want)
	}
}

func TestLayoutOverlapSeparated(t *testing.T) {
	c := New()
	rec := classify.Record{Kind: classify.KindLayoutConflict}

	got := c.Apply("a.move_to([0, 0, 0])\nb.move_to([0.5, 0.1, 0])", rec)
	if got.GaveUp {
		t.Fatal("single overlap should converge")
	}
	places := parsePlacements(got.Program)
	if len(places) != 2 {
		t.Fatalf("expected 2 placements, got %d", len(places))
	}
	dx := places[1].x - places[0].x
	dy := places[1].y - places[0].y
	if dx*dx+dy*dy < 1.5*1.5-1e-6 {
		t.Errorf("elements still overlap: %+v", places)
	}
}

func TestLayoutGiveUpLeavesInputUntouched(t *testing.T) {
	// MinDistance larger than the whole safe area cannot be satisfied for
	// three elements, so every pass keeps finding conflicts.
	spec := DefaultLayoutSpec()
	spec.MinDistance = 100
	c := NewWithLayout(spec)
	rec := classify.Record{Kind: classify.KindLayoutConflict}

	in := "a.move_to([0, 0, 0])\nb.move_to([1, 1, 0])\nc.move_to([2, 0, 0])"
	got := c.Apply(in, rec)
	if !got.GaveUp {
		t.Fatal("expected give-up on unsatisfiable layout")
	}
	if got.Program != in {
		t.Errorf("give-up must leave the program untouched, got %q", got.Program)
	}
}
