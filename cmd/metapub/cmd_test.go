package main

import (
	"errors"
	"testing"

	"github.com/neurosynth/metapub/internal/config"
	"github.com/neurosynth/metapub/internal/selector"
)

func TestTableKind(t *testing.T) {
	tests := map[string]selector.TableKind{
		"":             selector.ClusterTable,
		"clust":        selector.ClusterTable,
		"FocusCounter": selector.FocusCounterTable,
		"jackknife":    selector.JackknifeTable,
	}
	for in, want := range tests {
		got, err := tableKind(in)
		if err != nil || got != want {
			t.Errorf("tableKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := tableKind("peaks"); err == nil {
		t.Error("expected error for unknown table kind")
	}
}

func TestPublishConfigMapping(t *testing.T) {
	got := publishConfig(config.PublishConfig{
		CollectionNameMaxLen:  120,
		CollectionMaxAttempts: 4,
		Modality:              "fMRI-BOLD",
		NSubjects:             30,
	})
	if got.CollectionNameMaxLen != 120 || got.CollectionMaxAttempts != 4 || got.NSubjects != 30 {
		t.Errorf("publishConfig() = %+v", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"worker", "ingest", "watch", "select", "targets", "publish", "status"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestWorkerRequiresArchiveCredentials(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })

	tests := []struct {
		name         string
		image, study string
		wantErr      bool
	}{
		{"both missing", "", "", true},
		{"image missing", "", "s-token", true},
		{"study missing", "i-token", "", true},
		{"both set", "i-token", "s-token", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg = config.Config{}
			cfg.ImageArchive.Token = tt.image
			cfg.StudyArchive.Token = tt.study

			err := requireArchives()
			if tt.wantErr != (err != nil) {
				t.Fatalf("requireArchives() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, config.ErrMissingCredential) {
					t.Errorf("error %v is not ErrMissingCredential", err)
				}
				if pub, err := newPublisher(nil); err == nil || pub != nil {
					t.Errorf("newPublisher() = %v, %v; want refusal", pub, err)
				}
			}
		})
	}
}
