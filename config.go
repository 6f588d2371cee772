package slsk

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// ServerConfig addresses the Soulseek server itself.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Config is the on-disk form of everything needed to construct a
// Client: login credentials, local share/download paths, and a
// ClientOptionsPatch overlaid onto DefaultClientOptions (spec §6
// "Configuration"). Grounded on the teacher's config.go, but rebuilt
// for this domain's fields rather than reused.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Username string              `yaml:"username"`
	Password string              `yaml:"password"`

	ShareDirectories    []string `yaml:"shareDirectories"`
	DownloadDirectory   string   `yaml:"downloadDirectory"`
	IncompleteDirectory string   `yaml:"incompleteDirectory"`

	Options ClientOptionsPatch `yaml:"options"`
}

// DefaultServer is the address the official Soulseek network has used
// for the life of the protocol.
var DefaultServer = ServerConfig{Address: "server.slsknet.org", Port: 2242}

// DefaultConfig mirrors the teacher's DefaultConfig pattern (rain
// config.go: var DefaultConfig = Config{Port: 6881}), adapted to this
// domain's fields.
var DefaultConfig = Config{
	Server:              DefaultServer,
	DownloadDirectory:   "~/Downloads/soulseek",
	IncompleteDirectory: "~/Downloads/soulseek/incomplete",
}

// LoadConfig reads path as YAML into a Config seeded from DefaultConfig,
// rejecting unknown keys at decode time (spec §6 "unknown options must
// be rejected at construction"). A missing file is not an error: it
// yields DefaultConfig, mirroring the teacher's os.IsNotExist
// short-circuit in its own config loader.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveDirectories expands leading "~" in every configured directory
// and returns them in (shares, download, incomplete) order.
func (c Config) ResolveDirectories() ([]string, string, string, error) {
	shares := make([]string, len(c.ShareDirectories))
	for i, dir := range c.ShareDirectories {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			return nil, "", "", fmt.Errorf("config: expand share directory %q: %w", dir, err)
		}
		shares[i] = expanded
	}
	download, err := homedir.Expand(c.DownloadDirectory)
	if err != nil {
		return nil, "", "", fmt.Errorf("config: expand download directory: %w", err)
	}
	incomplete, err := homedir.Expand(c.IncompleteDirectory)
	if err != nil {
		return nil, "", "", fmt.Errorf("config: expand incomplete directory: %w", err)
	}
	return shares, download, incomplete, nil
}

// ClientOptions returns DefaultClientOptions with c.Options applied.
func (c Config) ClientOptions() (ClientOptions, error) {
	return c.Options.Apply(DefaultClientOptions())
}
