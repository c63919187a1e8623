// Package colorize styles bootrace console output: the [IO] access log,
// register dumps, trace lines and ARM disassembly.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Palette used for the non-chroma helpers.
const (
	ColorAddress = "#FFC800"
	ColorLabel   = "#87CEEB"
	ColorValue   = "#FF80C0"
	ColorRead    = "#7FD37F"
	ColorWrite   = "#FF9F40"
	ColorError   = "#FF5050"
	ColorDetail  = "#B4B4B4"
	ColorBorder  = "#505050"
)

// BootraceDark is the chroma style for ARM listings.
var BootraceDark = styles.Register(chroma.MustNewStyle("bootrace-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#000000",
	chroma.Comment:    "#FF8000",

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.NameFunction:  "#FFFFFF",

	// registers
	chroma.Name:         ColorLabel,
	chroma.NameBuiltin:  ColorLabel,
	chroma.NameVariable: ColorLabel,

	chroma.LiteralNumber:        ColorValue,
	chroma.LiteralNumberHex:     ColorValue,
	chroma.LiteralNumberInteger: ColorValue,

	chroma.NameLabel:   ColorAddress,
	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
}))
