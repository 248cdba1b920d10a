package api

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
)

// DistHost serves the landing page and the ghost binary itself.
const DistHost = "gh.ost.lol"

func (s *Server) handleDist(c echo.Context) error {
	switch c.Request().URL.Path {
	case "/", "":
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
		c.Response().WriteHeader(http.StatusOK)
		return Landing().Render(c.Request().Context(), c.Response())
	case "/ghost":
		f, err := os.Open(s.config.Executable)
		if err != nil {
			return s.fail(c, errors.Wrap(err, "open executable"))
		}
		defer f.Close()
		return c.Stream(http.StatusOK, echo.MIMEOctetStream, f)
	case "/ghost.sha256":
		sum, err := Checksum(s.config.Executable)
		if err != nil {
			return s.fail(c, err)
		}
		return c.String(http.StatusOK, sum)
	}
	return c.String(http.StatusNotFound, "not found")
}

// Checksum returns the sha256sum line for the file at path, named ghost.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash")
	}
	return fmt.Sprintf("%x  ghost\n", h.Sum(nil)), nil
}
