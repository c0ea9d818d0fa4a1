package log

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr int
	}{
		{"defaults", func(o *Options) {}, 0},
		{"json", func(o *Options) { o.Format = "json" }, 0},
		{"bad level", func(o *Options) { o.Level = "loud" }, 1},
		{"bad format", func(o *Options) { o.Format = "xml" }, 1},
		{"both bad", func(o *Options) { o.Level = "loud"; o.Format = "xml" }, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.mutate(o)
			if errs := o.Validate(); len(errs) != tt.wantErr {
				t.Errorf("Validate() = %v, want %d errors", errs, tt.wantErr)
			}
		})
	}
}

func TestOptionsAddFlags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	if err := fs.Parse([]string{"--log.level=debug", "--log.format=json", "--log.output-paths=stderr,/tmp/tacs.log"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if o.Level != "debug" || o.Format != "json" {
		t.Errorf("got level=%q format=%q", o.Level, o.Format)
	}
	if len(o.OutputPaths) != 2 || o.OutputPaths[1] != "/tmp/tacs.log" {
		t.Errorf("output paths = %v", o.OutputPaths)
	}
}
