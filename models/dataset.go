package models

// Dataset describes the remote snapshot and how it is archived.
type Dataset struct {
	Name            string   `yaml:"name"`
	SourceURL       string   `yaml:"source_url"`
	Table           string   `yaml:"table"`
	LatestView      string   `yaml:"latest_view"`
	TimestampColumn string   `yaml:"timestamp_column"`
	NaturalKey      []string `yaml:"natural_key"`
	LatestGroup     []string `yaml:"latest_group"`
}

const DefaultTGVMaxURL = "https://ressources.data.sncf.com/api/explore/v2.1/catalog/datasets/tgvmax/exports/parquet"

// TGVMax returns the built-in definition of the SNCF tgvmax dataset.
func TGVMax() Dataset {
	group := []string{
		"date",
		"train_no",
		"entity",
		"axe",
		"origine_iata",
		"destination_iata",
		"origine",
		"destination",
		"heure_depart",
		"heure_arrivee",
	}
	key := append(append([]string{}, group...), "od_happy_card")

	return Dataset{
		Name:            "tgvmax",
		SourceURL:       DefaultTGVMaxURL,
		Table:           "tgvmax",
		LatestView:      "tgvmax_latest",
		TimestampColumn: "scrape_datetime",
		NaturalKey:      key,
		LatestGroup:     group,
	}
}
