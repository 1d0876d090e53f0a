package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Game struct {
		RoundsPerGame           int    `yaml:"rounds_per_game"`
		QuestionsPerRound       int    `yaml:"questions_per_round"`
		PlayersPerGame          int    `yaml:"players_per_game"`
		MinPlayersForQuickStart int    `yaml:"min_players_for_quick_start"`
		MinPlayersForVote       int    `yaml:"min_players_for_vote"`
		QuestionTimeLimit       string `yaml:"question_time_limit"`
		VoteDuration            string `yaml:"vote_duration"`
		TieBreakTimeLimit       string `yaml:"tie_break_time_limit"`
		PauseBetweenRounds      string `yaml:"pause_between_rounds"`
		PoolCheckInterval       string `yaml:"pool_check_interval"`
		MaxActiveGames          int    `yaml:"max_active_games"`
		MaxQuestionBankSize     int    `yaml:"max_question_bank_size"`
	} `yaml:"game"`
	Bots struct {
		MinResponseDelay string  `yaml:"min_response_delay"`
		MaxResponseDelay string  `yaml:"max_response_delay"`
		NoviceAccuracy   float64 `yaml:"novice_accuracy"`
		AmateurAccuracy  float64 `yaml:"amateur_accuracy"`
		ExpertAccuracy   float64 `yaml:"expert_accuracy"`
	} `yaml:"bots"`
	Rating struct {
		WinnerBonus   int `yaml:"winner_bonus"`
		SecondBonus   int `yaml:"second_bonus"`
		ThirdBonus    int `yaml:"third_bonus"`
		FourthFifth   int `yaml:"fourth_fifth_bonus"`
		SixthToEighth int `yaml:"sixth_to_eighth_bonus"`
		NinthOrLower  int `yaml:"ninth_or_lower_bonus"`
	} `yaml:"rating"`
	Retry struct {
		TransportAttempts int    `yaml:"transport_attempts"`
		TransportBackoff  string `yaml:"transport_backoff"`
		StoreAttempts     int    `yaml:"store_attempts"`
		StoreBackoff      string `yaml:"store_backoff"`
	} `yaml:"retry"`
	Cache struct {
		ProfileTTL     string `yaml:"profile_ttl"`
		LeaderboardTTL string `yaml:"leaderboard_ttl"`
		ThemeTTL       string `yaml:"theme_ttl"`
		SettingsTTL    string `yaml:"settings_ttl"`
	} `yaml:"cache"`
	Scheduler struct {
		Workers      int    `yaml:"workers"`
		PollInterval string `yaml:"poll_interval"`
		LockTTL      string `yaml:"lock_ttl"`
	} `yaml:"scheduler"`
}

// Load reads YAML config from path and applies defaults for unset fields.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with production defaults and no backing services
// configured. Tests and the dev mode start from here.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	g := &c.Game
	defaultInt(&g.RoundsPerGame, 9)
	defaultInt(&g.QuestionsPerRound, 10)
	defaultInt(&g.PlayersPerGame, 10)
	defaultInt(&g.MinPlayersForQuickStart, 10)
	defaultInt(&g.MinPlayersForVote, 3)
	defaultStr(&g.QuestionTimeLimit, "10s")
	defaultStr(&g.VoteDuration, "45s")
	defaultStr(&g.TieBreakTimeLimit, "20s")
	defaultStr(&g.PauseBetweenRounds, "60s")
	defaultStr(&g.PoolCheckInterval, "5m")
	defaultInt(&g.MaxActiveGames, 500)
	defaultInt(&g.MaxQuestionBankSize, 50000)

	b := &c.Bots
	defaultStr(&b.MinResponseDelay, "3s")
	defaultStr(&b.MaxResponseDelay, "15s")
	defaultFloat(&b.NoviceAccuracy, 0.55)
	defaultFloat(&b.AmateurAccuracy, 0.68)
	defaultFloat(&b.ExpertAccuracy, 0.80)

	r := &c.Rating
	defaultInt(&r.WinnerBonus, 20)
	defaultInt(&r.SecondBonus, 12)
	defaultInt(&r.ThirdBonus, 8)
	defaultInt(&r.FourthFifth, 4)
	// SixthToEighth defaults to 0, NinthOrLower may be negative; leave both
	// as written in the file.
	if r.NinthOrLower == 0 {
		r.NinthOrLower = -4
	}

	rt := &c.Retry
	defaultInt(&rt.TransportAttempts, 3)
	defaultStr(&rt.TransportBackoff, "1s")
	defaultInt(&rt.StoreAttempts, 3)
	defaultStr(&rt.StoreBackoff, "500ms")

	ca := &c.Cache
	defaultStr(&ca.ProfileTTL, "5m")
	defaultStr(&ca.LeaderboardTTL, "1m")
	defaultStr(&ca.ThemeTTL, "30m")
	defaultStr(&ca.SettingsTTL, "10m")

	s := &c.Scheduler
	defaultInt(&s.Workers, 8)
	defaultStr(&s.PollInterval, "250ms")
	defaultStr(&s.LockTTL, "30s")
}

func defaultInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func defaultStr(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func defaultFloat(v *float64, d float64) {
	if *v == 0 {
		*v = d
	}
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
