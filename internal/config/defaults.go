package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "peggwatch")
	v.SetDefault("app.environment", "production")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.dsn", "peggwatch:peggwatch@tcp(mysql:3306)/peggwatch?parseTime=true")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("http.port", 8080)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "peggwatch_events")

	v.SetDefault("peg.interval", "30s")
	v.SetDefault("peg.soft_threshold", 0.01)
	v.SetDefault("peg.hard_threshold", 0.05)
	v.SetDefault("peg.feed_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("peg.feed_api_key", "")
	v.SetDefault("peg.feed_rps", 0.5)
	v.SetDefault("peg.timeout", "10s")
	v.SetDefault("peg.instruments", []map[string]any{
		{"id": "usd-coin", "symbol": "USDC", "name": "USD Coin", "target": 1.0},
		{"id": "tether", "symbol": "USDT", "name": "Tether", "target": 1.0},
		{"id": "dai", "symbol": "DAI", "name": "Dai", "target": 1.0},
		{"id": "frax", "symbol": "FRAX", "name": "Frax", "target": 1.0},
		{"id": "true-usd", "symbol": "TUSD", "name": "TrueUSD", "target": 1.0},
		{"id": "paxos-standard", "symbol": "USDP", "name": "Pax Dollar", "target": 1.0},
	})

	v.SetDefault("whale.min_amount", 15000.0)
	v.SetDefault("whale.critical_amount", 10000000.0)
	v.SetDefault("whale.persist_below_threshold", true)
	v.SetDefault("whale.allowlist", []string{"USDC", "USDT", "DAI", "FRAX", "TUSD", "USDP"})
	v.SetDefault("whale.claim_ttl", "72h")

	v.SetDefault("networks", []map[string]any{
		{
			"name":          "ethereum",
			"kind":          KindEtherscan,
			"chain_id":      1,
			"base_url":      "https://api.etherscan.io/v2/api",
			"interval":      "5m",
			"account_delay": "1s",
			"page_size":     25,
			"rps":           4,
			"tokens": []map[string]any{
				{"symbol": "USDC", "contract": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "decimals": 6, "feed": true},
				{"symbol": "USDT", "contract": "0xdAC17F958D2ee523a2206206994597C13D831ec7", "decimals": 6},
				{"symbol": "DAI", "contract": "0x6B175474E89094C44Da98b954EedeAC495271d0F", "decimals": 18},
			},
		},
		{
			"name":          "polygon",
			"kind":          KindEtherscan,
			"chain_id":      137,
			"base_url":      "https://api.etherscan.io/v2/api",
			"interval":      "5m",
			"account_delay": "1s",
			"page_size":     25,
			"rps":           4,
		},
		{
			"name":          "solana",
			"kind":          KindSolscan,
			"base_url":      "https://public-api.solscan.io",
			"explorer_url":  "https://solscan.io/tx/",
			"interval":      "5m",
			"account_delay": "2s",
			"page_size":     25,
			"rps":           1,
			"tokens": []map[string]any{
				{"symbol": "USDC", "contract": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "decimals": 6},
				{"symbol": "USDT", "contract": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", "decimals": 6},
			},
		},
	})

	v.SetDefault("accounts", []map[string]any{
		{"network": "ethereum", "address": "0x28C6c06298d514Db089934071355E5743bf21d60", "name": "Binance 14", "classification": "EXCHANGE"},
		{"network": "ethereum", "address": "0x55FE002aefF02F77364de339a1292923A15844B8", "name": "Circle", "classification": "TREASURY"},
	})

	v.SetDefault("alerts.request_timeout", "10s")
	v.SetDefault("alerts.quote_seed", 0)
	v.SetDefault("alerts.log.enabled", true)
	v.SetDefault("alerts.log.cooldown", "0s")
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.bot_token", "")
	v.SetDefault("alerts.telegram.chat_id", "")
	v.SetDefault("alerts.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerts.telegram.cooldown", "1m")
	v.SetDefault("alerts.discord.enabled", false)
	v.SetDefault("alerts.discord.webhook_urls", []string{})
	v.SetDefault("alerts.discord.cooldown", "1m")
	v.SetDefault("alerts.smtp.enabled", false)
	v.SetDefault("alerts.smtp.host", "")
	v.SetDefault("alerts.smtp.port", 587)
	v.SetDefault("alerts.smtp.user", "")
	v.SetDefault("alerts.smtp.password", "")
	v.SetDefault("alerts.smtp.from", "peggwatch@example.com")
	v.SetDefault("alerts.smtp.to", []string{})
	v.SetDefault("alerts.smtp.cooldown", "15m")
	v.SetDefault("alerts.x.enabled", false)
	v.SetDefault("alerts.x.bearer_token", "")
	v.SetDefault("alerts.x.api_base", "https://api.twitter.com")
	v.SetDefault("alerts.x.cooldown", "1h")
	v.SetDefault("alerts.webpush.enabled", false)
	v.SetDefault("alerts.webpush.vapid_public_key", "")
	v.SetDefault("alerts.webpush.vapid_private_key", "")
	v.SetDefault("alerts.webpush.subscriber", "mailto:alerts@example.com")
	v.SetDefault("alerts.webpush.ttl", 300)
	v.SetDefault("alerts.webpush.cooldown", "1m")

	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.at", "00:00")
	v.SetDefault("digest.timezone", "UTC")
}
