package script

// consolePrinter routes console output to the structured logger.
type consolePrinter struct {
	g *Global
}

func (p *consolePrinter) Log(s string) {
	p.g.logger.Info().
		Stringer("global", p.g.ref).
		Str("console", s).
		Log("console.log")
}

func (p *consolePrinter) Warn(s string) {
	p.g.logger.Warning().
		Stringer("global", p.g.ref).
		Str("console", s).
		Log("console.warn")
}

func (p *consolePrinter) Error(s string) {
	p.g.logger.Err().
		Stringer("global", p.g.ref).
		Str("console", s).
		Log("console.error")
}
