package service

import (
	"regexp"
	"strings"
	"sync"

	"github.com/user/llm-router-go/internal/models"
)

// conditionField extracts the value of a named request field for condition
// matching. Unknown fields resolve to the empty string.
func conditionField(req *models.RoutingRequest, field string) string {
	switch field {
	case "model":
		return req.Model
	case "category":
		return req.Category
	case "priority":
		return string(req.Priority)
	case "sessionId":
		return req.Metadata.SessionID
	case "userId":
		return req.Metadata.UserID
	case "originFormat":
		return req.Metadata.OriginFormat
	default:
		if req.Metadata.Attributes != nil {
			return req.Metadata.Attributes[field]
		}
		return ""
	}
}

// regexCache memoizes compiled condition patterns; rule sets are small and
// reload rarely.
var regexCache sync.Map // pattern -> *regexp.Regexp

func cachedRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// EvaluateCondition checks a single match condition against the request.
// Invalid regex patterns evaluate to false.
func EvaluateCondition(req *models.RoutingRequest, c models.MatchCondition) bool {
	val := conditionField(req, c.Field)

	switch c.Operator {
	case models.OpEquals:
		return val == c.Value
	case models.OpNotEquals:
		return val != c.Value
	case models.OpContains:
		return strings.Contains(val, c.Value)
	case models.OpNotContains:
		return !strings.Contains(val, c.Value)
	case models.OpStartsWith:
		return strings.HasPrefix(val, c.Value)
	case models.OpEndsWith:
		return strings.HasSuffix(val, c.Value)
	case models.OpIn:
		return inList(val, c.Values)
	case models.OpNotIn:
		return !inList(val, c.Values)
	case models.OpRegex:
		re, err := cachedRegex(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(val)
	default:
		return false
	}
}

func inList(val string, list []string) bool {
	for _, v := range list {
		if v == val {
			return true
		}
	}
	return false
}
