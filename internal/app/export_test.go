package app

import "github.com/MrWong99/parley/internal/config"

// ApplyConfig exposes the reload path to external tests.
func (a *App) ApplyConfig(old, cur *config.Config) { a.applyConfig(old, cur) }
