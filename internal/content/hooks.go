package content

import (
	"context"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	bq "github.com/blevesearch/bleve/v2/search/query"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/query"
)

// StatusParam is the search extra restricting hits to one content status
const StatusParam = "status"

// Slug lowercases s, strips accents and joins words with dashes
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

// SlugProvider fills the slug field from the document name
func SlugProvider(doc model.Document, e model.Entity) model.Document {
	if _, ok := doc["slug"]; ok {
		return nil
	}
	name, _ := doc["name"].(string)
	if slug := Slug(name); slug != "" {
		doc["slug"] = slug
	}
	return doc
}

// StatusFilter restricts a search to the status passed as StatusParam.
// Classes without a status, such as folders and tags, never match it.
func StatusFilter(ctx context.Context, req *query.Request) bq.Query {
	status := strings.TrimSpace(req.Extras[StatusParam])
	if status == "" {
		return nil
	}
	q := bleve.NewTermQuery(status)
	q.SetField("status")
	return q
}
