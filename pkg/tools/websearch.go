package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

// Web search backends.
const (
	SearchSourceDuckDuckGo = "duckduckgo"
	SearchSourceTavily     = "tavily"
)

// Endpoints, overridable in tests.
var (
	duckDuckGoAPIURL  = "https://api.duckduckgo.com/"
	duckDuckGoHTMLURL = "https://html.duckduckgo.com/html/"
	tavilyAPIURL      = "https://api.tavily.com/search"
)

const maxSearchResults = 5

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

func (r *Registry) webSearch(ctx context.Context, env Env, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", errors.New("missing query argument")
	}

	source, _ := args["source"].(string)
	if source == "" {
		source = env.WebSearchSource
	}
	if source == "" {
		source = SearchSourceDuckDuckGo
	}

	var (
		results []searchResult
		err     error
	)
	switch source {
	case SearchSourceTavily:
		results, err = r.searchTavily(ctx, query)
	case SearchSourceDuckDuckGo:
		results, err = r.searchDuckDuckGo(ctx, query)
	default:
		return "", errors.Errorf("unsupported search source %q", source)
	}
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "The web search returned no results.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q:\n", query)
	for i, res := range results {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, res.Title, res.Snippet)
		if res.URL != "" {
			fmt.Fprintf(&b, "Source: %s\n", res.URL)
		}
	}
	return b.String(), nil
}

// searchDuckDuckGo tries the instant answer API first and falls back to
// scraping the HTML endpoint when the API has nothing useful.
func (r *Registry) searchDuckDuckGo(ctx context.Context, query string) ([]searchResult, error) {
	results, err := r.duckDuckGoInstant(ctx, query)
	if err != nil {
		logging.LogDebugf("duckduckgo instant answer failed: %v", err)
	}
	if len(results) > 0 {
		return results, nil
	}
	return r.duckDuckGoHTML(ctx, query)
}

func (r *Registry) duckDuckGoInstant(ctx context.Context, query string) ([]searchResult, error) {
	params := url.Values{
		"q":             {query},
		"format":        {"json"},
		"no_html":       {"1"},
		"skip_disambig": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, duckDuckGoAPIURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling instant answer api")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("instant answer api returned status %d", resp.StatusCode)
	}

	var payload struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decoding instant answer")
	}

	var results []searchResult
	if payload.AbstractText != "" {
		results = append(results, searchResult{
			Title:   payload.Heading,
			URL:     payload.AbstractURL,
			Snippet: payload.AbstractText,
		})
	}
	for _, topic := range payload.RelatedTopics {
		if topic.Text == "" || len(results) >= maxSearchResults {
			break
		}
		results = append(results, searchResult{Title: topic.Text, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return results, nil
}

func (r *Registry) duckDuckGoHTML(ctx context.Context, query string) ([]searchResult, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, duckDuckGoHTMLURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; llm-chat/1.0)")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling html search")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("html search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "parsing search page")
	}

	var results []searchResult
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find(".result__a")
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return true
		}
		href, _ := link.Attr("href")
		snippet := strings.TrimSpace(sel.Find(".result__snippet").Text())
		results = append(results, searchResult{Title: title, URL: href, Snippet: snippet})
		return len(results) < maxSearchResults
	})
	return results, nil
}

func (r *Registry) searchTavily(ctx context.Context, query string) ([]searchResult, error) {
	apiKey, err := r.settings.Setting(ctx, models.SettingTavilyAPIKey)
	if err != nil {
		return nil, errors.Wrap(err, "loading tavily api key")
	}
	if apiKey == "" {
		return nil, errors.New("tavily api key is not configured")
	}

	body, err := json.Marshal(map[string]interface{}{
		"api_key":     apiKey,
		"query":       query,
		"max_results": maxSearchResults,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling tavily")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tavily returned status %d", resp.StatusCode)
	}

	var payload struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decoding tavily response")
	}

	var results []searchResult
	if payload.Answer != "" {
		results = append(results, searchResult{Title: "Answer", Snippet: payload.Answer})
	}
	for _, res := range payload.Results {
		if len(results) >= maxSearchResults {
			break
		}
		results = append(results, searchResult{Title: res.Title, URL: res.URL, Snippet: res.Content})
	}
	return results, nil
}
