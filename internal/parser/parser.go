// Package parser extracts torrent listings from tracker search result
// pages. A listing row is located by its magnet link anchor; the detail
// link, title, size, publish date and seed count come from the same row.
package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Item is one parsed listing row.
type Item struct {
	Title        string // full listing title as published
	Name         string // film name without year and bracketed tags
	OriginalName string // original title after "/", if present
	Year         int
	Magnet       string
	Link         string // detail page path, e.g. /torrent/12345
	Size         int64
	Published    time.Time
	Seeds        int
}

var (
	yearRe    = regexp.MustCompile(`\((\d{4})\)`)
	bracketRe = regexp.MustCompile(`\s?\[.*?\]`)
	altRe     = regexp.MustCompile(`\s?/.*`)
)

// Listing pages spell months with Russian genitive abbreviations.
var ruMonths = map[string]time.Month{
	"янв": time.January, "фев": time.February, "мар": time.March,
	"апр": time.April, "май": time.May, "мая": time.May,
	"июн": time.June, "июл": time.July, "авг": time.August,
	"сен": time.September, "окт": time.October, "ноя": time.November,
	"дек": time.December,
}

// Parse extracts every listing row from a search results page. Rows that
// lack a magnet or a detail link are logged and skipped, never fatal.
func Parse(logger *slog.Logger, page []byte) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var items []Item
	doc.Find("a[href^='magnet']").Each(func(_ int, anchor *goquery.Selection) {
		magnet, _ := anchor.Attr("href")
		row := anchor.Closest("tr")
		if row.Length() == 0 {
			logger.Warn("magnet link outside a table row, skipping", slog.String("magnet", truncate(magnet, 60)))
			return
		}

		detail := row.Find("a[href^='/torrent']").First()
		link, ok := detail.Attr("href")
		if !ok {
			logger.Warn("listing row has no detail link, skipping", slog.String("magnet", truncate(magnet, 60)))
			return
		}

		title := strings.TrimSpace(detail.Text())
		if title == "" && magnet == "" {
			logger.Warn("listing row has no title and no magnet, skipping")
			return
		}

		name, original, year := ParseName(title)

		cells := row.Find("td")
		item := Item{
			Title:        title,
			Name:         name,
			OriginalName: original,
			Year:         year,
			Magnet:       magnet,
			Link:         link,
			Published:    time.Now().UTC().Truncate(24 * time.Hour),
		}

		if cells.Length() >= 2 {
			item.Size = SizeToBytes(cells.Eq(cells.Length() - 2).Text())
		}
		if published, ok := parseDate(cells.Eq(0).Text()); ok {
			item.Published = published
		}
		if seeds, ok := parseSeeds(row); ok {
			item.Seeds = seeds
		}

		items = append(items, item)
	})

	return items, nil
}

// ParseName splits a listing title into the film name, the original-language
// title and the release year. When the title carries no "(YYYY)" marker the
// current year is assumed.
func ParseName(title string) (name, original string, year int) {
	title = strings.NewReplacer("ё", "е", "Ё", "Е").Replace(title)

	year = time.Now().UTC().Year()
	if m := yearRe.FindStringSubmatchIndex(title); m != nil {
		year, _ = strconv.Atoi(title[m[2]:m[3]])
		title = title[:m[0]]
	}
	title = bracketRe.ReplaceAllString(title, "")

	if idx := strings.Index(title, "/"); idx >= 0 {
		original = strings.TrimSpace(title[idx+1:])
		title = title[:idx]
	}
	title = altRe.ReplaceAllString(title, "")

	return strings.TrimSpace(title), original, year
}

// SizeToBytes converts a human size like "1.46 GB" to bytes. Unknown units
// yield zero.
func SizeToBytes(s string) int64 {
	s = strings.TrimSpace(s)

	var unit float64
	switch {
	case strings.HasSuffix(s, "GB"):
		unit = 1 << 30
	case strings.HasSuffix(s, "MB"):
		unit = 1 << 20
	case strings.HasSuffix(s, "KB"):
		unit = 1 << 10
	default:
		return 0
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-2]), 64)
	if err != nil {
		return 0
	}
	return int64(value * unit)
}

// parseDate reads the publish date cell, formatted as "02 янв 06" with
// non-breaking spaces.
func parseDate(s string) (time.Time, bool) {
	s = strings.ReplaceAll(s, " ", " ")
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return time.Time{}, false
	}

	day, err := strconv.Atoi(fields[0])
	if err != nil {
		return time.Time{}, false
	}
	month, ok := ruMonths[strings.ToLower(strings.TrimSuffix(fields[1], "."))]
	if !ok {
		return time.Time{}, false
	}
	yy, err := strconv.Atoi(fields[2])
	if err != nil {
		return time.Time{}, false
	}

	return time.Date(2000+yy, month, day, 0, 0, 0, 0, time.UTC), true
}

// parseSeeds reads the seeder count from the peers cell.
func parseSeeds(row *goquery.Selection) (int, bool) {
	text := strings.TrimSpace(row.Find("span.green").First().Text())
	text = strings.TrimSpace(strings.TrimPrefix(text, "↑"))
	if text == "" {
		return 0, false
	}
	seeds, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return seeds, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
