package database

import "github.com/digkill/imagecredit/internal/models"

var tables = []any{
	&models.CreditAccount{},
	&models.CreditTransaction{},
	&models.Order{},
	&models.GeneratedImage{},
	&models.Mission{},
	&models.MissionLog{},
	&models.MissionStat{},
	&models.Style{},
}
