package models

import (
	"encoding/json"
	"net/http"
)

// Problem — тело ошибки в духе RFC 7807 (без type-URI).
type Problem struct {
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extras map[string]string) {
	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Extras: extras,
	})
}
