package llm

import (
	"fmt"
	"strings"
)

const responseFormat = `Respond in JSON with this exact shape:
{"pepites": [{"title": "...", "sellerPrice": 120, "estimatedValue": 250, "profit": 130, "imageUrl": "", "imageKeyword": "watch", "sourceUrl": "", "category": "...", "description": "..."}]}

Field rules:
- title: short name of the item as listed
- sellerPrice: asking price in euros as a number
- estimatedValue: realistic resale value in euros as a number
- profit: estimatedValue minus sellerPrice
- imageUrl: the listing photo URL if you can read one, else an empty string
- imageKeyword: one or two English words describing the item type (watch, sneaker, camera, console, ...)
- sourceUrl: the listing URL if known, else an empty string
- category: item category
- description: one or two sentences on why this is a good deal

If nothing is worth reselling, respond with {"pepites": []}.
Respond ONLY with the JSON object, no markdown or other text.`

const visionPrompt = `You are an expert second-hand reseller. These screenshots were taken while browsing %s.

Identify listings that are underpriced compared to their realistic resale value and could be bought and resold for a profit.
Only report items that are actually visible in the screenshots or listed below.
%s
` + responseFormat

const textPrompt = `You are an expert second-hand reseller. The following listings were extracted while browsing %s.

Identify listings that are underpriced compared to their realistic resale value and could be bought and resold for a profit.
Only report items from this list.

Listings:
%s
` + responseFormat

// buildPrompt returns the vision prompt when frames are present, else the
// text-only variant built from the extracted ads.
func buildPrompt(sourceName string, frameCount int, supplementaryText string) string {
	if sourceName == "" {
		sourceName = "a marketplace"
	}
	text := strings.TrimSpace(supplementaryText)

	if frameCount > 0 {
		extra := ""
		if text != "" {
			extra = fmt.Sprintf("\nListings extracted from the page text (title | price | url):\n%s\n", text)
		}
		return fmt.Sprintf(visionPrompt, sourceName, extra)
	}

	if text == "" {
		text = "(no listings could be extracted)"
	}
	return fmt.Sprintf(textPrompt, sourceName, text)
}
