package registry

import "github.com/ashita-ai/atsume/internal/model"

// Arena grouping labels used by the default catalog.
const (
	ArenaGoogleSearch = "google_search"
	ArenaSocialMedia  = "social_media"
	ArenaNewsMedia    = "news_media"
	ArenaWeb          = "web"
	ArenaReference    = "reference"
	ArenaAIChat       = "ai_chat"
)

var (
	argQueryDesign = model.ArgumentSpec{Name: model.ArgQueryDesignID, Type: model.ArgUUID, Description: "query design being collected"}
	argRun         = model.ArgumentSpec{Name: model.ArgRunID, Type: model.ArgUUID, Description: "collection run the task belongs to"}
	argTerms       = model.ArgumentSpec{Name: model.ArgTerms, Type: model.ArgStrings, Description: "search terms from the query design"}
)

// termArgs is the argument set shared by every term-driven collector.
func termArgs(extra ...model.ArgumentSpec) []model.ArgumentSpec {
	return append([]model.ArgumentSpec{argQueryDesign, argRun, argTerms}, extra...)
}

// contextArgs is the argument set for collectors that are not term-driven.
func contextArgs(extra ...model.ArgumentSpec) []model.ArgumentSpec {
	return append([]model.ArgumentSpec{argQueryDesign, argRun}, extra...)
}

// DefaultCatalog returns the descriptors of every built-in connector.
func DefaultCatalog() []model.ArenaDescriptor {
	return []model.ArenaDescriptor{
		// Search engines.
		{PlatformName: "google_search", ArenaName: ArenaGoogleSearch, Description: "Google web search results via SERP API",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 5},
		{PlatformName: "google_autocomplete", ArenaName: ArenaGoogleSearch, Description: "Google autocomplete suggestions",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 1},

		// Social media.
		{PlatformName: "bluesky", ArenaName: ArenaSocialMedia, Description: "Bluesky AT Protocol search",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 1},
		{PlatformName: "reddit", ArenaName: ArenaSocialMedia, Description: "Reddit posts and comments",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 2},
		{PlatformName: "youtube", ArenaName: ArenaSocialMedia, Description: "YouTube Data API video search",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 3},
		{PlatformName: "telegram", ArenaName: ArenaSocialMedia, Description: "public Telegram channels",
			RequiredArguments: termArgs(model.ArgumentSpec{Name: "channels", Type: model.ArgStrings, Description: "channel usernames to read"}),
			SupportsHealthCheck: true, CreditCost: 2},
		{PlatformName: "tiktok", ArenaName: ArenaSocialMedia, Description: "TikTok Research API",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 3},
		{PlatformName: "gab", ArenaName: ArenaSocialMedia, Description: "Gab Mastodon-compatible API",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 1},
		{PlatformName: "x_twitter", ArenaName: ArenaSocialMedia, Description: "X/Twitter search via third-party provider",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 10},
		{PlatformName: "threads", ArenaName: ArenaSocialMedia, Description: "Threads keyword search",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 2},
		{PlatformName: "facebook", ArenaName: ArenaSocialMedia, Description: "Facebook public pages via content library",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 8},
		{PlatformName: "instagram", ArenaName: ArenaSocialMedia, Description: "Instagram public posts via content library",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 8},
		{PlatformName: "discord", ArenaName: ArenaSocialMedia, Description: "Discord channels the bot is invited to",
			RequiredArguments: termArgs(model.ArgumentSpec{Name: "channel_ids", Type: model.ArgStrings, Description: "Discord channel snowflakes"}),
			SupportsHealthCheck: true, CreditCost: 1},
		{PlatformName: "twitch", ArenaName: ArenaSocialMedia, Description: "Twitch chat (not yet implemented)",
			RequiredArguments: contextArgs(model.ArgumentSpec{Name: "channels", Type: model.ArgStrings}),
			SupportsHealthCheck: true, IsStub: true, CreditCost: 1},
		{PlatformName: "vkontakte", ArenaName: ArenaSocialMedia, Description: "VKontakte wall search (not yet implemented)",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, IsStub: true, CreditCost: 1},

		// News media.
		{PlatformName: "rss_feeds", ArenaName: ArenaNewsMedia, Description: "curated news RSS feeds",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 1},
		{PlatformName: "gdelt", ArenaName: ArenaNewsMedia, Description: "GDELT DOC 2.0 article search",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 1},
		{PlatformName: "event_registry", ArenaName: ArenaNewsMedia, Description: "Event Registry news API",
			RequiredArguments: termArgs(model.ArgumentSpec{Name: "language", Type: model.ArgString, Description: "ISO 639-3 language code"}),
			SupportsHealthCheck: true, CreditCost: 4},
		{PlatformName: "ritzau_via", ArenaName: ArenaNewsMedia, Description: "Ritzau press releases",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 1},

		// Web.
		{PlatformName: "common_crawl", ArenaName: ArenaWeb, Description: "Common Crawl index lookup",
			RequiredArguments: contextArgs(model.ArgumentSpec{Name: "domains", Type: model.ArgStrings}),
			SupportsHealthCheck: true, CreditCost: 2},
		{PlatformName: "wayback", ArenaName: ArenaWeb, Description: "Internet Archive Wayback CDX",
			RequiredArguments: contextArgs(model.ArgumentSpec{Name: "domains", Type: model.ArgStrings}),
			SupportsHealthCheck: true, CreditCost: 1},
		{PlatformName: "url_scraper", ArenaName: ArenaWeb, Description: "fetch and extract a fixed list of URLs",
			RequiredArguments: contextArgs(model.ArgumentSpec{Name: "urls", Type: model.ArgStrings}),
			SupportsHealthCheck: false, CreditCost: 1},
		{PlatformName: "majestic", ArenaName: ArenaWeb, Description: "Majestic backlink index",
			RequiredArguments: contextArgs(model.ArgumentSpec{Name: "domains", Type: model.ArgStrings}),
			SupportsHealthCheck: true, CreditCost: 6},
		{PlatformName: "domain_crawler", ArenaName: ArenaWeb, Description: "crawl configured domains (not yet implemented)",
			RequiredArguments: contextArgs(model.ArgumentSpec{Name: "domains", Type: model.ArgStrings}),
			SupportsHealthCheck: false, IsStub: true, CreditCost: 1},

		// Reference.
		{PlatformName: "wikipedia", ArenaName: ArenaReference, Description: "Wikipedia page revisions and views",
			RequiredArguments: termArgs(model.ArgumentSpec{Name: "language", Type: model.ArgString}),
			SupportsHealthCheck: true, CreditCost: 1},

		// AI chat search.
		{PlatformName: "ai_chat_search", ArenaName: ArenaAIChat, Description: "LLM chat search answers with citations",
			RequiredArguments: termArgs(), SupportsHealthCheck: true, CreditCost: 6},
	}
}

// NewDefault builds a registry from DefaultCatalog plus any extra descriptors.
func NewDefault(extra ...model.ArenaDescriptor) (*Registry, error) {
	return New(append(DefaultCatalog(), extra...)...)
}
