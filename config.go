package nbdcache

import (
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

type UpstreamConfig struct {
	Addr   string `hcl:"addr" validate:"required,hostname_port"`
	Export string `hcl:"export,optional" validate:"max=256"`
}

type NATSConfig struct {
	URL string `hcl:"url" validate:"required,url"`
	ID  string `hcl:"id,optional"`
}

type S3Config struct {
	Bucket    string `hcl:"bucket" validate:"required"`
	Key       string `hcl:"key" validate:"required"`
	Region    string `hcl:"region" validate:"required"`
	AccessKey string `hcl:"access_key,optional" validate:"required_with=SecretKey"`
	SecretKey string `hcl:"secret_key,optional" validate:"required_with=AccessKey"`
	URL       string `hcl:"host,optional" validate:"omitempty,url"`
}

type TargetConfig struct {
	FilePath string    `hcl:"file_path,optional"`
	QCOW2    bool      `hcl:"qcow2,optional"`
	Export   string    `hcl:"export,optional" validate:"max=256"`
	S3       *S3Config `hcl:"s3,block"`
}

// Source describes where the target's data lives, for export listings.
func (t *TargetConfig) Source() string {
	switch {
	case t.S3 != nil:
		return "s3://" + t.S3.Bucket + "/" + t.S3.Key
	case t.QCOW2:
		return "qcow2:" + t.FilePath
	default:
		return t.FilePath
	}
}

// Config describes a proxy, a target server, or both.
type Config struct {
	CacheDir    string `hcl:"cache_dir,optional" validate:"required_with=Upstream"`
	Listen      string `hcl:"listen,optional"`
	Metrics     string `hcl:"metrics,optional"`
	Negotiation string `hcl:"negotiation,optional" validate:"omitempty,oneof=newstyle oldstyle v1 v2"`
	ReadOnly    bool   `hcl:"read_only,optional"`
	ExportName  string `hcl:"export_name,optional" validate:"max=256"`
	ResetStale  bool   `hcl:"reset_stale,optional"`

	Upstream *UpstreamConfig `hcl:"upstream,block"`
	NATS     *NATSConfig     `hcl:"nats,block"`
	Target   *TargetConfig   `hcl:"target,block"`
}

const DefaultListen = ":10809"

var validate = validator.New()

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %s", path)
	}

	return &cfg, nil
}

// Validate checks field constraints and the rules that span blocks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return errors.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}

		return err
	}

	if c.Upstream == nil && c.Target == nil {
		return errors.New("either an upstream or a target block is required")
	}

	if t := c.Target; t != nil {
		if (t.FilePath == "") == (t.S3 == nil) {
			return errors.New("target: exactly one of file_path or an s3 block is required")
		}

		if t.QCOW2 && t.FilePath == "" {
			return errors.New("target: qcow2 requires file_path")
		}
	}

	return nil
}

func (c *Config) ParsedNegotiation() nbd.Negotiation {
	n, _ := nbd.ParseNegotiation(c.Negotiation)
	return n
}

// ProxyOptions translates the configuration into options for NewProxy.
func (c *Config) ProxyOptions() []Option {
	opts := []Option{
		WithNegotiation(c.ParsedNegotiation()),
		ReadOnly(c.ReadOnly),
		WithExportName(c.ExportName),
		ResetStaleCache(c.ResetStale),
	}

	if c.Upstream != nil {
		opts = append(opts, WithUpstream(c.Upstream.Addr, c.Upstream.Export))
	}

	if c.NATS != nil && c.NATS.ID != "" {
		opts = append(opts, WithID(c.NATS.ID))
	}

	return opts
}
