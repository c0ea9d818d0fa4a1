package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*KeyringOptions)(nil)

const (
	KeyringSourceNone = "none"
	KeyringSourceFile = "file"
	KeyringSourceS3   = "s3"
)

// KeyringOptions selects where the keyring document is loaded from and which
// access grant is activated on startup.
type KeyringOptions struct {
	Source    string `json:"source" mapstructure:"source"`
	Path      string `json:"path" mapstructure:"path"`
	ObjectKey string `json:"object-key" mapstructure:"object-key"`

	// AccessGrantID is activated once the keyring is loaded. Empty waits for an explicit activate command.
	AccessGrantID string `json:"access-grant-id" mapstructure:"access-grant-id"`

	// Watch reloads the keyring file on change and re-activates the access grant.
	Watch bool `json:"watch" mapstructure:"watch"`
}

func NewKeyringOptions() *KeyringOptions {
	return &KeyringOptions{
		Source: KeyringSourceFile,
		Path:   "/etc/tacs/keyring.json",
		Watch:  true,
	}
}

func (o *KeyringOptions) Validate() []error {
	errs := []error{}

	switch o.Source {
	case KeyringSourceNone:
	case KeyringSourceFile:
		if o.Path == "" {
			errs = append(errs, fmt.Errorf("keyring.path is required for source %q", o.Source))
		}
	case KeyringSourceS3:
		if o.ObjectKey == "" {
			errs = append(errs, fmt.Errorf("keyring.object-key is required for source %q", o.Source))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown keyring.source %q", o.Source))
	}

	return errs
}

func (o *KeyringOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Source, "keyring.source", o.Source, "Where the keyring is loaded from: none, file or s3.")
	fs.StringVar(&o.Path, "keyring.path", o.Path, "Path of the keyring document for the file source.")
	fs.StringVar(&o.ObjectKey, "keyring.object-key", o.ObjectKey, "Object key of the keyring document for the s3 source.")
	fs.StringVar(&o.AccessGrantID, "keyring.access-grant-id", o.AccessGrantID, "Vehicle access grant activated after loading the keyring.")
	fs.BoolVar(&o.Watch, "keyring.watch", o.Watch, "Reload the keyring file when it changes.")
}
