package domain

type ApiSettings struct {
	ThreadCount int `json:"threadCount"`
}

type VideoSettings struct {
	APIKey   string `json:"apiKey"`
	SavePath string `json:"savePath"`
}

// Config is the config document.
type Config struct {
	ApiSettings   ApiSettings   `json:"apiSettings"`
	VideoSettings VideoSettings `json:"videoSettings"`
}

type KeyEntry struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Key      string `json:"key"`
}

// AppData is the snapshot a batch run reads once.
type AppData struct {
	ApiSettings   ApiSettings
	VideoSettings VideoSettings
	KeyLibrary    []KeyEntry
}

func (a AppData) Concurrency() int {
	return max(a.ApiSettings.ThreadCount, 1)
}
