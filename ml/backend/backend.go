package backend

import (
	_ "github.com/neuralmidifx/grooveexport/ml/backend/cpu"
)
