package plugin

// SplitByRule breaks a multi-rule SARIF document into one document per rule
// id. Each output keeps the source document's schema markers and the run's
// tool block; results without a ruleId land under "default".
func SplitByRule(doc map[string]interface{}) map[string]map[string]interface{} {
	runs, _ := doc["runs"].([]interface{})
	grouped := make(map[string]map[string]interface{})

	for _, r := range runs {
		run, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		results, _ := run["results"].([]interface{})
		for _, res := range results {
			result, ok := res.(map[string]interface{})
			if !ok {
				continue
			}
			ruleID, _ := result["ruleId"].(string)
			if ruleID == "" {
				ruleID = "default"
			}
			out, ok := grouped[ruleID]
			if !ok {
				out = map[string]interface{}{
					"$schema": doc["$schema"],
					"version": doc["version"],
					"runs": []interface{}{
						map[string]interface{}{
							"tool":    run["tool"],
							"results": []interface{}{},
						},
					},
				}
				grouped[ruleID] = out
			}
			outRun := out["runs"].([]interface{})[0].(map[string]interface{})
			outRun["results"] = append(outRun["results"].([]interface{}), result)
		}
	}
	return grouped
}
