package config

import (
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/sendloop/sendloop/errors"
)

// Redacted replaces secret values in rendered configuration.
const Redacted = "********"

// secretKeys are never printed.
var secretKeys = map[string]bool{
	"auth.poll_token":     true,
	"auth.admin_token":    true,
	"auth.webhook_secret": true,
	"runner.token":        true,
	"redis.password":      true,
	"database.dsn":        true,
}

// Render returns the effective settings of v as TOML. Secrets that are set
// are replaced by Redacted; unset keys are omitted.
func Render(v *viper.Viper) ([]byte, error) {
	return render(v, true)
}

func render(v *viper.Viper, redact bool) ([]byte, error) {
	tree := make(map[string]interface{})
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		val := v.Get(key)
		if val == nil {
			continue
		}
		if s, ok := val.(string); ok && s == "" {
			continue
		}
		if redact && secretKeys[key] {
			val = Redacted
		}
		insert(tree, strings.Split(key, "."), val)
	}

	data, err := toml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

func insert(tree map[string]interface{}, path []string, val interface{}) {
	for _, p := range path[:len(path)-1] {
		next, ok := tree[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			tree[p] = next
		}
		tree = next
	}
	tree[path[len(path)-1]] = val
}

// WriteDefault writes a sendloop.toml holding every default to path,
// rotating an existing file into .back1..back3 first.
func WriteDefault(path string) error {
	v := viper.New()
	SetDefaults(v)
	data, err := render(v, false)
	if err != nil {
		return err
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// createBackup rotates path.back2 -> .back3, .back1 -> .back2 and copies
// path to .back1. No-op when path does not exist.
func createBackup(path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	back1, back2, back3 := path+".back1", path+".back2", path+".back3"
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %s", back3)
	}
	for _, step := range [][2]string{{back2, back3}, {back1, back2}} {
		if _, err := os.Stat(step[0]); err == nil {
			if err := os.Rename(step[0], step[1]); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", step[0])
			}
		}
	}
	return errors.Wrap(os.WriteFile(back1, content, 0o644), "failed to create .back1")
}
