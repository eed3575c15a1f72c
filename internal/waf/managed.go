package waf

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/corazawaf/coraza/v3"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
)

// maxInspectedBody caps how much of a request body managed rules inspect.
const maxInspectedBody = 64 << 10

// managedRule is one named rule of a vendor group, expressed in SecLang.
type managedRule struct {
	name      string
	directive string
}

// managedGroups maps vendor -> group name -> rules.
var managedGroups = map[string]map[string][]managedRule{
	"AWS": {
		"AWSManagedRulesCommonRuleSet": {
			{"NoUserAgent_HEADER", `SecRule &REQUEST_HEADERS:User-Agent "@eq 0" "id:1101,phase:1,deny,status:403,msg:'NoUserAgent_HEADER'"`},
			{"SizeRestrictions_QUERYSTRING", `SecRule QUERY_STRING "@gt 2048" "id:1102,phase:1,deny,status:403,t:length,msg:'SizeRestrictions_QUERYSTRING'"`},
			{"SizeRestrictions_URIPATH", `SecRule REQUEST_FILENAME "@gt 1024" "id:1103,phase:1,deny,status:403,t:length,msg:'SizeRestrictions_URIPATH'"`},
			{"GenericLFI_URIPATH", `SecRule REQUEST_URI "@rx (?:^|/)\.\.(?:/|$)" "id:1104,phase:1,deny,status:403,t:urlDecodeUni,msg:'GenericLFI_URIPATH'"`},
			{"GenericLFI_QUERYARGUMENTS", `SecRule ARGS "@rx (?:^|/)\.\.(?:/|$)" "id:1105,phase:2,deny,status:403,t:urlDecodeUni,msg:'GenericLFI_QUERYARGUMENTS'"`},
			{"CrossSiteScripting_QUERYARGUMENTS", `SecRule ARGS_GET "@detectXSS" "id:1106,phase:2,deny,status:403,t:urlDecodeUni,msg:'CrossSiteScripting_QUERYARGUMENTS'"`},
			{"CrossSiteScripting_BODY", `SecRule ARGS_POST "@detectXSS" "id:1107,phase:2,deny,status:403,t:urlDecodeUni,msg:'CrossSiteScripting_BODY'"`},
			{"EC2MetaDataSSRF_QUERYARGUMENTS", `SecRule ARGS "@contains 169.254.169.254" "id:1108,phase:2,deny,status:403,t:urlDecodeUni,msg:'EC2MetaDataSSRF_QUERYARGUMENTS'"`},
		},
		"AWSManagedRulesSQLiRuleSet": {
			{"SQLi_QUERYARGUMENTS", `SecRule ARGS_GET|ARGS_GET_NAMES "@detectSQLi" "id:1201,phase:2,deny,status:403,t:urlDecodeUni,msg:'SQLi_QUERYARGUMENTS'"`},
			{"SQLi_BODY", `SecRule ARGS_POST "@detectSQLi" "id:1202,phase:2,deny,status:403,t:urlDecodeUni,msg:'SQLi_BODY'"`},
			{"SQLi_COOKIE", `SecRule REQUEST_COOKIES "@detectSQLi" "id:1203,phase:1,deny,status:403,t:urlDecodeUni,msg:'SQLi_COOKIE'"`},
		},
		"AWSManagedRulesKnownBadInputsRuleSet": {
			{"Log4JRCE_URIPATH", `SecRule REQUEST_URI "@rx (?i)\$\{jndi:" "id:1301,phase:1,deny,status:403,t:urlDecodeUni,msg:'Log4JRCE_URIPATH'"`},
			{"Log4JRCE_HEADER", `SecRule REQUEST_HEADERS "@rx (?i)\$\{jndi:" "id:1302,phase:1,deny,status:403,msg:'Log4JRCE_HEADER'"`},
			{"Log4JRCE_QUERYARGUMENTS", `SecRule ARGS "@rx (?i)\$\{jndi:" "id:1303,phase:2,deny,status:403,t:urlDecodeUni,msg:'Log4JRCE_QUERYARGUMENTS'"`},
			{"Host_localhost_HEADER", `SecRule REQUEST_HEADERS:Host "@rx (?i)^(?:localhost|127\.0\.0\.1|\[::1\])(?::\d+)?$" "id:1304,phase:1,deny,status:403,msg:'Host_localhost_HEADER'"`},
			{"ExploitablePaths_URIPATH", `SecRule REQUEST_FILENAME "@rx (?i)/(?:\.git|\.env|\.aws|wp-config\.php)(?:/|$)" "id:1305,phase:1,deny,status:403,t:urlDecodeUni,msg:'ExploitablePaths_URIPATH'"`},
		},
	},
}

// ManagedGroups lists the built-in groups as "vendor/name".
func ManagedGroups() []string {
	var out []string
	for vendor, groups := range managedGroups {
		for name := range groups {
			out = append(out, vendor+"/"+name)
		}
	}
	return out
}

// managedGroup runs a vendor rule group on a dedicated Coraza engine.
type managedGroup struct {
	name   string
	engine coraza.WAF
	rules  map[int]string // coraza rule id -> rule name
}

func newManagedGroup(cfg config.ManagedRuleGroupConfig) (*managedGroup, error) {
	groups, ok := managedGroups[cfg.Vendor]
	if !ok {
		return nil, fmt.Errorf("managed_rule_group: unknown vendor %q", cfg.Vendor)
	}
	rules, ok := groups[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("managed_rule_group: unknown group %s/%s", cfg.Vendor, cfg.Name)
	}

	excluded := make(map[string]bool, len(cfg.ExcludedRules))
	for _, name := range cfg.ExcludedRules {
		excluded[name] = true
	}

	var directives strings.Builder
	directives.WriteString("SecRuleEngine On\n")
	directives.WriteString("SecRequestBodyAccess On\n")
	directives.WriteString("SecRequestBodyLimit " + strconv.Itoa(maxInspectedBody) + "\n")
	directives.WriteString("SecRequestBodyLimitAction ProcessPartial\n")

	g := &managedGroup{name: cfg.Vendor + "/" + cfg.Name, rules: make(map[int]string)}
	for _, r := range rules {
		if excluded[r.name] {
			delete(excluded, r.name)
			continue
		}
		directives.WriteString(r.directive)
		directives.WriteByte('\n')
		if id, ok := ruleID(r.directive); ok {
			g.rules[id] = r.name
		}
	}
	for name := range excluded {
		return nil, fmt.Errorf("managed_rule_group %s: unknown excluded rule %q", g.name, name)
	}

	engine, err := coraza.NewWAF(coraza.NewWAFConfig().WithDirectives(directives.String()))
	if err != nil {
		return nil, fmt.Errorf("managed_rule_group %s: failed to initialize engine: %w", g.name, err)
	}
	g.engine = engine
	return g, nil
}

// ruleID extracts the numeric id from a directive's action list.
func ruleID(directive string) (int, bool) {
	i := strings.Index(directive, `"id:`)
	if i < 0 {
		return 0, false
	}
	rest := directive[i+len(`"id:`):]
	end := strings.IndexAny(rest, `,"`)
	if end < 0 {
		return 0, false
	}
	id, err := strconv.Atoi(rest[:end])
	return id, err == nil
}

// Match runs the group against the request and reports whether any rule
// interrupted it. The request body, if read, is restored.
func (g *managedGroup) Match(req *Request) bool {
	r := req.Request
	tx := g.engine.NewTransaction()
	defer func() {
		tx.ProcessLogging()
		if err := tx.Close(); err != nil {
			logging.Error("WAF transaction close error", zap.Error(err))
		}
	}()

	clientPort := 0
	if _, p, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientPort, _ = strconv.Atoi(p)
	}
	tx.ProcessConnection(req.clientIPString(), clientPort, "", 0)

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	tx.ProcessURI(uri, r.Method, r.Proto)

	if r.Host != "" {
		tx.AddRequestHeader("Host", r.Host)
	}
	for k, vv := range r.Header {
		for _, v := range vv {
			tx.AddRequestHeader(k, v)
		}
	}

	if it := tx.ProcessRequestHeaders(); it != nil {
		g.logInterruption(it.RuleID, r.URL.Path)
		return true
	}

	if r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxInspectedBody))
		if err != nil {
			logging.Error("WAF request body read error", zap.Error(err))
		}
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}

		if len(buf) > 0 {
			if it, _, err := tx.ReadRequestBodyFrom(bytes.NewReader(buf)); err != nil {
				logging.Error("WAF request body inspection error", zap.Error(err))
			} else if it != nil {
				g.logInterruption(it.RuleID, r.URL.Path)
				return true
			}
		}
	}

	it, err := tx.ProcessRequestBody()
	if err != nil {
		logging.Error("WAF process request body error", zap.Error(err))
	}
	if it != nil {
		g.logInterruption(it.RuleID, r.URL.Path)
		return true
	}
	return false
}

func (g *managedGroup) logInterruption(id int, path string) {
	logging.Debug("Managed rule matched",
		zap.String("group", g.name),
		zap.String("managed_rule", g.rules[id]),
		zap.Int("rule_id", id),
		zap.String("path", path),
	)
}
