package capture

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// priceRe matches a price with a currency marker on either side.
var priceRe = regexp.MustCompile(`(?i)(?:[€$£]\s?\d[\d\s.,]*)|(?:\d[\d\s.,]*\s?(?:€|eur\b|\$|£|kr\b|zł|chf\b))`)

var spaceRe = regexp.MustCompile(`\s+`)

// ExtractAdsFromHTML finds listing cards in a marketplace page: links whose
// card carries a price. Relative URLs are resolved against baseURL.
func ExtractAdsFromHTML(r io.Reader, baseURL string) ([]ExtractedAd, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	base, _ := url.Parse(baseURL)

	var ads []ExtractedAd
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		card := cardFor(s)
		if card == nil {
			return
		}

		price := strings.TrimSpace(priceRe.FindString(cleanText(card.Text())))
		title := titleFor(s, card, price)
		if title == "" {
			return
		}

		href, _ := s.Attr("href")
		ads = append(ads, ExtractedAd{
			Title:    title,
			Price:    price,
			URL:      resolve(base, href),
			ImageURL: resolve(base, imageFor(card)),
		})
	})

	return ads, nil
}

// cardFor returns the link itself or its parent, whichever first shows a
// price.
func cardFor(link *goquery.Selection) *goquery.Selection {
	candidate := link
	for depth := 0; depth < 2 && candidate.Length() > 0; depth++ {
		if priceRe.MatchString(cleanText(candidate.Text())) {
			return candidate
		}
		candidate = candidate.Parent()
	}
	return nil
}

func titleFor(link, card *goquery.Selection, price string) string {
	if t, ok := link.Attr("title"); ok && strings.TrimSpace(t) != "" {
		return cleanText(t)
	}
	if h := card.Find("h1, h2, h3, h4, [itemprop=name]").First(); h.Length() > 0 {
		if t := cleanText(h.Text()); t != "" {
			return t
		}
	}
	if alt, ok := card.Find("img[alt]").First().Attr("alt"); ok && strings.TrimSpace(alt) != "" {
		return cleanText(alt)
	}
	text := cleanText(link.Text())
	if price != "" {
		text = cleanText(strings.Replace(text, price, "", 1))
	}
	return text
}

func imageFor(card *goquery.Selection) string {
	img := card.Find("img").First()
	for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(v, "data:") {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
