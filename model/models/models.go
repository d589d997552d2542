package models

import (
	_ "github.com/neuralmidifx/grooveexport/model/models/groove"
)
