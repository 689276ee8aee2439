package extract

import (
	"bytes"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"StockScout/internal/calculator"
	"StockScout/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const (
	selBasicInfo  = "div.flex.justify-between.mx-2.mt-4.text-md.text-gray-700"
	selSector     = `a.link-primary[href*="/sectors/"]`
	selFavorite   = `div[data-controller="stocks--favorite-stock"]`
	attrName      = "data-stocks--favorite-stock-name-value"
	attrPrice     = "data-stocks--favorite-stock-price-value"
	selPriceBlock = "div.flex.justify-between.items-center.mx-2"
	selPrice      = "div.text-3xl.flex"
	selUpdateTime = "div.text-right.text-2xs.leading-4.text-slate-500"
	selRangeTable = "table.w-full.text-xs"
	selHistorical = "#historical-price-table table tbody tr"
)

var (
	codeRe     = regexp.MustCompile(`[0-9][0-9A-Z]{3}`)
	exchangeRe = regexp.MustCompile(`東証[A-Z]+|名証|札証|福証`)
	categoryRe = regexp.MustCompile(`貸借|制度信用|信用`)
	parenDate  = regexp.MustCompile(`\((\d{2})/(\d{2})/(\d{2})\)`)
)

// KabutanParser reads the s.kabutan.jp historical prices page.
type KabutanParser struct {
	// Now supplies the year for month/day-only dates.
	Now func() time.Time
}

func NewKabutanParser() *KabutanParser {
	return &KabutanParser{Now: time.Now}
}

func (p *KabutanParser) Parse(code string, html []byte) (*model.StockSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	basic := doc.Find(selBasicInfo).First()
	idText := strings.TrimSpace(basic.Find("div").First().Text())
	pageCode := codeRe.FindString(idText)

	fav := doc.Find(selFavorite).First()
	name, _ := fav.Attr(attrName)
	name = strings.TrimSpace(name)

	if pageCode == "" || name == "" {
		return nil, fmt.Errorf("%w: code or name missing for %s", ErrParseFailure, code)
	}
	if !strings.EqualFold(pageCode, code) {
		return nil, fmt.Errorf("%w: page is for %s, want %s", ErrParseFailure, pageCode, code)
	}

	snap := &model.StockSnapshot{
		SchemaVersion: model.SnapshotSchemaVersion,
		Code:          code,
		Name:          name,
		Exchange:      orNA(exchangeRe.FindString(idText)),
		Category:      orNA(categoryRe.FindString(idText)),
		Sector:        orNA(strings.TrimSpace(basic.Find(selSector).Text())),
	}

	priceBlock := doc.Find(selPriceBlock)
	priceText := strings.TrimSpace(priceBlock.Find(selPrice).Text())
	if priceText == "" {
		priceText, _ = fav.Attr(attrPrice)
	}
	snap.CurrentPrice = cleanNumber(priceText)

	change := priceBlock.Find("div.text-right").First()
	snap.Change = cleanNumber(change.Find("div").First().Find("span").First().Text())
	snap.ChangePercent = cleanNumber(change.Find("div.text-md span").First().Text())

	icon := priceBlock.Find("i.fa-arrow-up-right, i.fa-arrow-down-right")
	switch {
	case icon.HasClass("fa-arrow-up-right"):
		snap.Performance = "up"
	case icon.HasClass("fa-arrow-down-right"):
		snap.Performance = "down"
	default:
		snap.Performance = "neutral"
	}
	snap.UpdateTime = strings.NewReplacer("(", "", ")", "").Replace(
		strings.TrimSpace(priceBlock.Find(selUpdateTime).Text()))

	doc.Find(selRangeTable).Each(func(_ int, table *goquery.Selection) {
		headers := map[string]bool{}
		table.Find("thead tr th, tbody tr th").Each(func(_ int, th *goquery.Selection) {
			headers[strings.TrimSpace(th.Text())] = true
		})
		cells := table.Find("tbody tr td")
		high := strings.TrimSpace(cells.Eq(0).Text())
		low := strings.TrimSpace(cells.Eq(1).Text())

		if headers["52週高値"] && headers["52週安値"] {
			snap.Range.Week52High = pricePoint(high)
			snap.Range.Week52Low = pricePoint(low)
		}
		if headers["年初来高値"] && headers["年初来安値"] {
			snap.Range.YearHigh = pricePoint(high)
			snap.Range.YearLow = pricePoint(low)
		}
	})

	year := p.now().Year()
	seen := map[string]bool{}
	doc.Find(selHistorical).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() < 8 {
			return
		}
		cell := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }
		date := formatDate(cell(0), year)
		if seen[date] {
			return
		}
		seen[date] = true
		snap.Historical = append(snap.Historical, model.DailyBar{
			Date:          date,
			Open:          cleanNumber(cell(1)),
			High:          cleanNumber(cell(2)),
			Low:           cleanNumber(cell(3)),
			Close:         cleanNumber(cell(4)),
			Change:        cleanNumber(cell(5)),
			ChangePercent: cleanNumber(cell(6)),
			Volume:        cleanNumber(cell(7)).IntPart(),
		})
	})
	if snap.Historical == nil {
		snap.Historical = []model.DailyBar{}
	}

	if calculator.FillMissingRange(snap) {
		log.Printf("[INFO] extract: %s range table missing, derived from %d bars", code, len(snap.Historical))
	}
	return snap, nil
}

func (p *KabutanParser) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// pricePoint parses "3,891円(25/03/27)".
func pricePoint(text string) model.PricePoint {
	return model.PricePoint{
		Price: cleanNumber(strings.SplitN(text, "(", 2)[0]),
		Date:  dateFromParentheses(text),
	}
}

// dateFromParentheses turns "(yy/mm/dd)" into "20yy-mm-dd". Text without
// such a date is returned trimmed.
func dateFromParentheses(text string) string {
	m := parenDate.FindStringSubmatch(text)
	if m == nil {
		return strings.TrimSpace(text)
	}
	return fmt.Sprintf("20%s-%s-%s", m[1], m[2], m[3])
}

// formatDate normalizes yyyy/mm/dd, yy/mm/dd and mm/dd (completed with year)
// to YYYY-MM-DD.
func formatDate(s string, year int) string {
	parts := strings.Split(s, "/")
	pad := func(v string) string {
		if len(v) == 1 {
			return "0" + v
		}
		return v
	}
	switch len(parts) {
	case 2:
		return fmt.Sprintf("%d-%s-%s", year, pad(parts[0]), pad(parts[1]))
	case 3:
		y := parts[0]
		if len(y) == 2 {
			y = "20" + y
		}
		return fmt.Sprintf("%s-%s-%s", y, pad(parts[1]), pad(parts[2]))
	}
	return s
}
