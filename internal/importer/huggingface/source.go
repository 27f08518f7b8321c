package huggingface

import (
	"net/url"
	"strings"
)

// Source kinds.
const (
	KindModel  = "model"
	KindAuthor = "author"
)

const (
	modelPrefix  = "hf:model/"
	authorPrefix = "hf:author/"
)

func ModelSource(id string) string      { return modelPrefix + id }
func AuthorSource(author string) string { return authorPrefix + author }

// ParseSource recognizes "hf:model/<id>", "hf:author/<name>" and
// huggingface.co URLs, where two path segments name a model and one an
// author.
func ParseSource(source string) (kind, id string, ok bool) {
	source = strings.TrimSpace(source)
	if rest, found := strings.CutPrefix(source, modelPrefix); found && rest != "" {
		return KindModel, rest, true
	}
	if rest, found := strings.CutPrefix(source, authorPrefix); found && rest != "" && !strings.Contains(rest, "/") {
		return KindAuthor, rest, true
	}

	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "huggingface.co" && host != "hf.co" {
		return "", "", false
	}
	var segs []string
	for _, s := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	switch len(segs) {
	case 1:
		return KindAuthor, segs[0], true
	case 2:
		return KindModel, segs[0] + "/" + segs[1], true
	default:
		return "", "", false
	}
}
