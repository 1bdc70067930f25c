// Package logging wires log/slog with the console and JSON handlers used
// across smelter, plus small attribute helpers shared by every component.
package logging
