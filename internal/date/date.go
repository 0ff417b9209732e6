// Package date provides HTTP date formatting and a cached current date.
package date

import (
	"errors"
	"sync/atomic"
	"time"
)

// Layout is the IMF-fixdate layout HTTP/1.1 uses for Date and Last-Modified.
const Layout = "Mon, 02 Jan 2006 15:04:05 GMT"

// ErrOutOfRange reports a time that IMF-fixdate cannot represent.
var ErrOutOfRange = errors.New("date: year outside 0000-9999")

// currentDate holds the formatted current date, refreshed by StartTicker.
var currentDate atomic.Pointer[string]

// Format renders t as an HTTP date.
func Format(t time.Time) (string, error) {
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		return "", ErrOutOfRange
	}
	return t.Format(Layout), nil
}

// StartTicker starts a ticker that updates the cached date every 500ms.
// It returns a stop function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update() {
	s, err := Format(time.Now())
	if err != nil {
		return
	}
	currentDate.Store(&s)
}

// Current returns the cached current date, formatting on the spot when the ticker
// has not been started.
func Current() (string, error) {
	if p := currentDate.Load(); p != nil {
		return *p, nil
	}
	return Format(time.Now())
}
