package merge

import "cinesuite/pkg/config"

func configForTest() config.MergeConfig {
	return config.MergeConfig{}
}
