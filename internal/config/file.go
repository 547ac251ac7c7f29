package config

import (
	"bytes"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NtlmHost lists hosts that share one set of NTLM credentials.
type NtlmHost struct {
	Hosts       []string `yaml:"hosts" json:"hosts"`
	Username    string   `yaml:"username" json:"username"`
	Password    string   `yaml:"password" json:"-"`
	Domain      string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	Workstation string   `yaml:"workstation,omitempty" json:"workstation,omitempty"`
}

// File is the on-disk host configuration. JSON is accepted as well since it
// is a subset of YAML.
type File struct {
	NtlmHosts []NtlmHost `yaml:"ntlmHosts" json:"ntlmHosts"`
	SsoHosts  []string   `yaml:"ssoHosts" json:"ssoHosts"`
}

// Credentials are the explicit NTLM credentials for a host.
type Credentials struct {
	Username    string
	Password    string
	Domain      string
	Workstation string
}

// Load reads and validates the configuration file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "read config")
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, errors.Wrapf(err, "config %s", path)
	}
	return f, nil
}

// Parse decodes and validates a configuration document. Unknown fields are
// rejected.
func Parse(data []byte) (File, error) {
	var f File
	if len(bytes.TrimSpace(data)) == 0 {
		return f, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, errors.Wrap(err, "decode config")
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks every host pattern and that each NTLM entry has
// credentials.
func (f File) Validate() error {
	for i, nh := range f.NtlmHosts {
		if len(nh.Hosts) == 0 {
			return errors.Errorf("ntlmHosts[%d]: no hosts", i)
		}
		if nh.Username == "" || nh.Password == "" {
			return errors.Errorf("ntlmHosts[%d]: username and password are required", i)
		}
		for _, h := range nh.Hosts {
			if err := ValidateHostPattern(h); err != nil {
				return errors.Wrapf(err, "ntlmHosts[%d]", i)
			}
		}
	}
	for _, h := range f.SsoHosts {
		if err := ValidateHostPattern(h); err != nil {
			return errors.Wrap(err, "ssoHosts")
		}
	}
	return nil
}

var hostnameRE = regexp.MustCompile(`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

// ValidateHostPattern accepts a hostname or FQDN in which any character may
// be replaced by the '*' wildcard. Schemes, ports and paths are rejected.
func ValidateHostPattern(p string) error {
	if strings.ContainsAny(p, "\r\n") {
		return errors.Errorf("invalid host %q: contains a newline", p)
	}
	if !hostnameRE.MatchString(strings.ReplaceAll(p, "*", "a")) {
		return errors.Errorf("invalid host %q: must be a hostname or FQDN, wildcards allowed", p)
	}
	return nil
}

// Marshal encodes f as YAML.
func (f File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}
