package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/polisai/sigma-convertd/pkg/config"
	"github.com/polisai/sigma-convertd/pkg/dispatch"
	"github.com/polisai/sigma-convertd/pkg/domain"
)

// ConvertBody is the JSON body of a convert request. Rule and PipelineYML
// are standard, padded Base64.
type ConvertBody struct {
	Rule        string      `json:"rule"`
	Target      string      `json:"target"`
	Format      string      `json:"format,omitempty"`
	Pipeline    PipelineIDs `json:"pipeline,omitempty"`
	PipelineYML string      `json:"pipelineYml,omitempty"`
}

// PipelineIDs accepts either a JSON list of ids or a comma separated string.
type PipelineIDs []string

// UnmarshalJSON implements json.Unmarshaler.
func (p *PipelineIDs) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = list
		return nil
	}

	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("pipeline must be a list of ids or a comma separated string")
	}
	*p = nil
	for _, id := range strings.Split(joined, ",") {
		if id = strings.TrimSpace(id); id != "" {
			*p = append(*p, id)
		}
	}
	return nil
}

// EncodeText is the transport encoding for rule and pipeline text.
func EncodeText(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// DecodeText reverses EncodeText and requires UTF-8 content.
func DecodeText(field, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", domain.Errorf(domain.KindInvalidRequest, "%s is not valid base64: %w", field, err)
	}
	if !utf8.Valid(raw) {
		return "", domain.Errorf(domain.KindInvalidRequest, "%s is not valid UTF-8", field)
	}
	return string(raw), nil
}

func (s *Server) handleVersions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ListVersions())
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.service.ListTargets(r.Context(), r.PathValue("version"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(targets))
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		s.writeError(w, r, domain.Errorf(domain.KindInvalidRequest, "no backend specified"))
		return
	}

	formats, err := s.service.ListFormats(r.Context(), r.PathValue("version"), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(formats))
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	pipelines, err := s.service.ListPipelines(r.Context(), r.PathValue("version"), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(pipelines))
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeConvert(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Version = r.PathValue("version")

	result, err := s.service.Convert(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.cfg.ResponseMode == config.ResponseModeJSON {
		s.writeJSON(w, http.StatusOK, result)
		return
	}
	s.writeText(w, http.StatusOK, strings.Join(result.Queries, "\n"))
}

func (s *Server) decodeConvert(r *http.Request) (dispatch.Request, error) {
	var body io.Reader = r.Body
	if s.cfg.MaxBodyBytes > 0 {
		body = io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return dispatch.Request{}, domain.Errorf(domain.KindInvalidRequest, "read body: %w", err)
	}
	if s.cfg.MaxBodyBytes > 0 && int64(len(raw)) > s.cfg.MaxBodyBytes {
		return dispatch.Request{}, domain.Errorf(domain.KindInvalidRequest, "body exceeds %d bytes", s.cfg.MaxBodyBytes)
	}

	var in ConvertBody
	if err := json.Unmarshal(raw, &in); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return dispatch.Request{}, domain.Errorf(domain.KindInvalidRequest, "body is not valid JSON at offset %d", syntaxErr.Offset)
		}
		return dispatch.Request{}, domain.Errorf(domain.KindInvalidRequest, "decode body: %w", err)
	}

	if strings.TrimSpace(in.Rule) == "" {
		return dispatch.Request{}, domain.Errorf(domain.KindInvalidRequest, "rule is required")
	}
	rule, err := DecodeText("rule", in.Rule)
	if err != nil {
		return dispatch.Request{}, err
	}

	var custom string
	if strings.TrimSpace(in.PipelineYML) != "" {
		custom, err = DecodeText("pipelineYml", in.PipelineYML)
		if err != nil {
			return dispatch.Request{}, err
		}
	}

	return dispatch.Request{
		Target:          strings.TrimSpace(in.Target),
		Format:          strings.TrimSpace(in.Format),
		Rule:            rule,
		Pipelines:       []string(in.Pipeline),
		CustomPipelines: custom,
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
