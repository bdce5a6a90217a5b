package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watch reloads the config file on change and hands each valid result to
// onChange. Invalid edits are logged and ignored so a typo never takes the
// running process down. No-op when v was not loaded from a file.
func Watch(v *viper.Viper, logger *zap.SugaredLogger, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := LoadWithViper(v)
		if err != nil {
			logger.Warnw("Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Infow("Config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}
