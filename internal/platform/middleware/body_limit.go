package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

const defaultBodyLimit = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// BodyLimit caps request bodies at limit, a size string such as "512K" or
// "1M". A declared Content-Length over the cap is refused up front. Bodies
// without one are cut off while the handler reads them, and the request is
// answered with 413 whatever the handler made of the short read.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max, err := bytes.Parse(limit)
	if err != nil || max <= 0 {
		max = defaultBodyLimit
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Request body too large")
			}

			body := &cappedBody{ReadCloser: req.Body, remaining: max}
			req.Body = body

			err := next(c)
			if body.exceeded && !c.Response().Committed {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Request body too large").SetInternal(errBodyTooLarge)
			}
			return err
		}
	}
}

type cappedBody struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, errBodyTooLarge
	}
	// Read one byte past the cap so an exact-size body is not flagged.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		b.exceeded = true
		return 0, errBodyTooLarge
	}
	return n, err
}
