package bundles

import (
	"fmt"
	"math"
	"strings"

	"github.com/zjrosen/modkit/internal/framework"
	"github.com/zjrosen/modkit/internal/props"
	"github.com/zjrosen/modkit/internal/service"
)

// GreeterClass is the interface name greeters register under.
const GreeterClass = "Greeter"

// Greeting is the service a greeter publishes.
type Greeting interface {
	Greet(name string) string
}

var salutations = map[string]string{
	"en": "Hello",
	"fr": "Bonjour",
	"de": "Hallo",
	"es": "Hola",
}

type greeting struct{ word string }

func (g greeting) Greet(name string) string { return fmt.Sprintf("%s, %s!", g.word, name) }

// Greeter publishes one Greeting per language listed in its "lang" header
// (comma separated, default "en"). Each carries a lang property, and
// service.ranking from the "ranking" header.
type Greeter struct {
	regs []*service.Registration
}

func (g *Greeter) Start(ctx *framework.Context) error {
	langs := "en"
	if v, ok := ctx.Property("lang").AsString(); ok && v != "" {
		langs = v
	}
	var ranking int32
	if n, ok := ctx.Property("ranking").AsInt(); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
		ranking = int32(n)
	}

	for _, lang := range strings.Split(langs, ",") {
		lang = strings.TrimSpace(strings.ToLower(lang))
		word, ok := salutations[lang]
		if !ok {
			return fmt.Errorf("greeter: unsupported language %q", lang)
		}
		reg, err := ctx.RegisterService(map[string]any{GreeterClass: greeting{word: word}}, props.Properties{
			"lang":               props.String(lang),
			props.ServiceRanking: props.Int32(ranking),
		})
		if err != nil {
			return err
		}
		g.regs = append(g.regs, reg)
	}
	return nil
}

// Stop leaves unregistration to the framework.
func (g *Greeter) Stop(*framework.Context) error {
	g.regs = nil
	return nil
}
