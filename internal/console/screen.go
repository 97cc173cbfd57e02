package console

import (
	"image/color"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	ScreenWidth  = 80
	ScreenHeight = 25
)

// VGAColor is a 4-bit text mode colour index.
type VGAColor uint8

const (
	VGABlack VGAColor = iota
	VGABlue
	VGAGreen
	VGACyan
	VGARed
	VGAMagenta
	VGABrown
	VGALightGray
	VGADarkGray
	VGALightBlue
	VGALightGreen
	VGALightCyan
	VGALightRed
	VGAPink
	VGAYellow
	VGAWhite
)

// VGA orders blue before red, ANSI the other way round.
var vgaToANSI = [16]ansi.BasicColor{
	ansi.Black, ansi.Blue, ansi.Green, ansi.Cyan,
	ansi.Red, ansi.Magenta, ansi.Yellow, ansi.White,
	ansi.BrightBlack, ansi.BrightBlue, ansi.BrightGreen, ansi.BrightCyan,
	ansi.BrightRed, ansi.BrightMagenta, ansi.BrightYellow, ansi.BrightWhite,
}

// Attribute is a text mode colour attribute byte: background in the high
// nibble, foreground in the low nibble.
type Attribute uint8

func NewAttribute(fg, bg VGAColor) Attribute {
	return Attribute(uint8(bg&0xf)<<4 | uint8(fg&0xf))
}

// DefaultAttribute is light red on black.
var DefaultAttribute = NewAttribute(VGALightRed, VGABlack)

func (a Attribute) Foreground() VGAColor { return VGAColor(a & 0xf) }
func (a Attribute) Background() VGAColor { return VGAColor(a >> 4) }

func (a Attribute) style() ansi.Style {
	return ansi.Style{}.
		ForegroundColor(vgaToANSI[a.Foreground()]).
		BackgroundColor(vgaToANSI[a.Background()])
}

// Screen is an 80x25 text mode display. Bytes outside printable ASCII other
// than newline are drawn as a filled square, like the CP437 glyph 0xFE.
type Screen struct {
	mu   sync.Mutex
	emu  *vt.SafeEmulator
	attr Attribute
}

func NewScreen() *Screen {
	return &Screen{
		emu:  vt.NewSafeEmulator(ScreenWidth, ScreenHeight),
		attr: DefaultAttribute,
	}
}

// SetAttribute changes the colour used for subsequent writes.
func (s *Screen) SetAttribute(a Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attr = a
}

func (s *Screen) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString(s.attr.style().String())
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\n':
			b.WriteString("\r\n")
		case c >= 0x20 && c <= 0x7e:
			b.WriteByte(c)
		default:
			b.WriteRune('■')
		}
	}
	_, err := s.emu.Write([]byte(b.String()))
	return err
}

// Lines returns the text of every row with trailing blanks removed.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, 0, ScreenHeight)
	for y := 0; y < s.emu.Height(); y++ {
		var row strings.Builder
		for x := 0; x < s.emu.Width(); x++ {
			cell := s.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				row.WriteByte(' ')
				continue
			}
			row.WriteString(cell.Content)
		}
		lines = append(lines, strings.TrimRight(row.String(), " "))
	}
	return lines
}

// Text returns the non-empty prefix of the screen as one string.
func (s *Screen) Text() string {
	return trimBlank(s.Lines())
}

// Render returns the screen for a terminal. With colour each cell carries
// its foreground and background; without, the same rendering is stripped
// to plain text.
func (s *Screen) Render(colour bool) string {
	out := s.render()
	if colour {
		return out
	}
	lines := strings.Split(ansi.Strip(out), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	return trimBlank(lines)
}

func (s *Screen) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for y := 0; y < s.emu.Height(); y++ {
		var last string
		for x := 0; x < s.emu.Width(); x++ {
			cell := s.emu.CellAt(x, y)
			content := " "
			var fg, bg color.Color
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				fg, bg = cell.Style.Fg, cell.Style.Bg
			}
			style := ansi.Style{}.ForegroundColor(fg).BackgroundColor(bg).String()
			if style != last {
				b.WriteString(style)
				last = style
			}
			b.WriteString(content)
		}
		b.WriteString(ansi.ResetStyle)
		if y != s.emu.Height()-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func trimBlank(lines []string) string {
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Foreground returns the foreground colour of the cell at (x, y), or nil for
// the terminal default.
func (s *Screen) Foreground(x, y int) color.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell := s.emu.CellAt(x, y)
	if cell == nil {
		return nil
	}
	return cell.Style.Fg
}
