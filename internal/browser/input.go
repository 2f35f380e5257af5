package browser

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/agentmb/internal/driver"
)

func mouseButton(name string) (proto.InputMouseButton, error) {
	switch name {
	case "", "left":
		return proto.InputMouseButtonLeft, nil
	case "right":
		return proto.InputMouseButtonRight, nil
	case "middle":
		return proto.InputMouseButtonMiddle, nil
	default:
		return "", driver.NewError(driver.KindDriver, "mouse", fmt.Errorf("unknown button %q", name))
	}
}

// MouseMove implements driver.Page. steps > 1 interpolates linearly for
// smoother pointer traces.
func (p *page) MouseMove(ctx context.Context, x, y float64, steps int) error {
	m := p.rod(ctx).Mouse
	pt := proto.Point{X: x, Y: y}
	var err error
	if steps > 1 {
		err = m.MoveLinear(pt, steps)
	} else {
		err = m.MoveTo(pt)
	}
	return classify("mouse_move", err)
}

// MouseDown implements driver.Page.
func (p *page) MouseDown(ctx context.Context, button string) error {
	b, err := mouseButton(button)
	if err != nil {
		return err
	}
	return classify("mouse_down", p.rod(ctx).Mouse.Down(b, 1))
}

// MouseUp implements driver.Page.
func (p *page) MouseUp(ctx context.Context, button string) error {
	b, err := mouseButton(button)
	if err != nil {
		return err
	}
	return classify("mouse_up", p.rod(ctx).Mouse.Up(b, 1))
}

// MouseWheel implements driver.Page.
func (p *page) MouseWheel(ctx context.Context, deltaX, deltaY float64) error {
	return classify("wheel", p.rod(ctx).Mouse.Scroll(deltaX, deltaY, 1))
}

// KeyDown implements driver.Page.
func (p *page) KeyDown(ctx context.Context, key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	return classify("key_down", p.rod(ctx).Keyboard.Press(k))
}

// KeyUp implements driver.Page.
func (p *page) KeyUp(ctx context.Context, key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	return classify("key_up", p.rod(ctx).Keyboard.Release(k))
}

// Press implements driver.Page: a full down+up stroke.
func (p *page) Press(ctx context.Context, key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	return classify("press", p.rod(ctx).Keyboard.Type(k))
}

// InsertText implements driver.Page: inserts text without key events.
func (p *page) InsertText(ctx context.Context, text string) error {
	return classify("insert_text", p.rod(ctx).InsertText(text))
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Shift":      input.ShiftLeft,
	"Control":    input.ControlLeft,
	"Alt":        input.AltLeft,
	"Meta":       input.MetaLeft,
	"Space":      input.Key(' '),
}

// lookupKey maps a wire key name to an engine key: named keys first,
// then any single rune.
func lookupKey(name string) (input.Key, error) {
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		return input.Key(r), nil
	}
	return 0, driver.NewError(driver.KindDriver, "key", fmt.Errorf("unknown key %q", name))
}
