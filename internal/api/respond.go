package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/pkg/logger"
)

type errorBody struct {
	Error    string            `json:"error"`
	Code     xerrors.Code      `json:"code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError 根据错误码映射 HTTP 状态。
func respondError(w http.ResponseWriter, err error) {
	respondErrorStatus(w, xerrors.HTTPStatus(err), err)
}

func respondErrorStatus(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: errorMessage(err), Code: xerrors.CodeOf(err)}
	if coded, ok := xerrors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("request failed", slog.Any("error", err))
	}
	respondJSON(w, status, body)
}

func errorMessage(err error) string {
	if coded, ok := xerrors.From(err); ok {
		if msg := coded.Message(); msg != "" {
			return msg
		}
		return xerrors.AttributesOf(coded.Code()).Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func unavailable(what string) error {
	return xerrors.New(xerrors.CodeNotReady, what+" is not configured")
}

// decodeBody 解析 JSON 请求体，空请求体视为参数错误。
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body is not valid JSON")
	}
	return nil
}
