package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestReadResultCode(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		content string
		want    int
		wantErr bool
	}{
		{"0 \n", 0, false},
		{"2 0.35 extra\nignored\n", 2, false},
		{"1", 1, false},
		{"", 0, true},
		{"x 1\n", 0, true},
		{"\n1\n", 0, true},
	}
	for i, tt := range tests {
		p := writeFile(t, dir, "Cerca.txt", tt.content)
		got, err := ReadResultCode(p)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("case %d: expected ErrMalformed, got %v", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if got != tt.want {
			t.Fatalf("case %d: expected %d, got %d", i, tt.want, got)
		}
	}

	if _, err := ReadResultCode(filepath.Join(dir, "missing.txt")); err == nil || errors.Is(err, ErrMalformed) {
		t.Fatalf("expected a file error for a missing result, got %v", err)
	}
}

func TestReadGainTable(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "gain.cfg", "header\nch0 gain 1470.0\nheader\nch1 gain 1512.5\n")

	got, err := ReadGainTable(p, 2, 2.5/2100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{1.75, 1.801}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := ReadGainTable(p, 3, 1); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short table, got %v", err)
	}
}

func TestWriters(t *testing.T) {
	dir := t.TempDir()

	sp := filepath.Join(dir, "singolo.txt")
	if err := WriteSinglePhotoelectron(sp, []float64{0.875, 1.0}, 1.25, 840); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := os.ReadFile(sp)
	want := "Tensioni singolo fotoelettrone: 735.0 840.0 \nTensioni basse luce LED: 1050.0 1050.0 \n"
	if string(b) != want {
		t.Fatalf("expected %q, got %q", want, b)
	}

	lp := filepath.Join(dir, "datilin.txt")
	if err := WriteLinearityConfig(lp, 30, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ = os.ReadFile(lp)
	if string(b) != "Numero colpi: 30\nNumero cicli: 50\n" {
		t.Fatalf("unexpected linearity config %q", b)
	}
}

func TestRenameWaves(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wave_0.txt", "x")
	writeFile(t, dir, "wave_2.txt", "x")

	renamed, err := RenameWaves(filepath.Join(dir, "wave_%d.txt"), filepath.Join(dir, "wave_%d_ph.txt"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{filepath.Join(dir, "wave_0_ph.txt"), filepath.Join(dir, "wave_2_ph.txt")}
	if !reflect.DeepEqual(renamed, want) {
		t.Fatalf("expected %v, got %v", want, renamed)
	}
	if _, err := os.Stat(filepath.Join(dir, "wave_0.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected source removed")
	}
}
