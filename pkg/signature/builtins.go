package signature

// Built-in signature library. Case-insensitive where the underlying attack
// grammar is; anchored loosely because payloads arrive embedded in fields.
func registerBuiltins(r *Registry) {
	// --- SQL injection ---
	r.register("sqli_or_true", `(?i)'\s*or\s*'?1'?\s*=\s*'?1`, CategorySQLInjection, 1.0)
	r.register("sqli_union_select", `(?i)union(\s+all)?\s+select`, CategorySQLInjection, 1.0)
	r.register("sqli_drop_table", `(?i);\s*drop\s+table`, CategorySQLInjection, 1.0)
	r.register("sqli_comment_terminator", `(?i)('|\d)\s*(--|#)\s*$`, CategorySQLInjection, 0.9)
	r.register("sqli_admin_comment", `(?i)admin'\s*--`, CategorySQLInjection, 0.95)
	r.register("sqli_sleep", `(?i)(sleep|benchmark|pg_sleep)\s*\(`, CategorySQLInjection, 0.9)
	r.register("sqli_stacked_insert", `(?i);\s*(insert|update|delete)\s`, CategorySQLInjection, 0.9)

	// --- Cross-site scripting ---
	r.register("xss_script_tag", `(?i)<\s*script[\s>]`, CategoryXSS, 1.0)
	r.register("xss_js_uri", `(?i)javascript\s*:`, CategoryXSS, 0.95)
	r.register("xss_event_handler", `(?i)\bon(error|load|click|mouseover|focus)\s*=`, CategoryXSS, 0.9)
	r.register("xss_img_src", `(?i)<\s*img[^>]+src\s*=\s*[^>]*onerror`, CategoryXSS, 0.95)
	r.register("xss_iframe", `(?i)<\s*iframe[\s>]`, CategoryXSS, 0.85)

	// --- Path traversal ---
	r.register("trav_dotdot_slash", `\.\./|\.\.\\`, CategoryPathTraversal, 0.95)
	r.register("trav_encoded_dotdot", `(?i)\.\.%2f|%2e%2e%2f`, CategoryPathTraversal, 1.0)
	r.register("trav_etc_passwd", `(?i)/etc/(passwd|shadow|sudoers)`, CategoryPathTraversal, 1.0)
	r.register("trav_windows_system", `(?i)\\windows\\(system32|win\.ini)`, CategoryPathTraversal, 0.95)

	// --- Command injection ---
	r.register("cmd_shell_chain", `(?i)(;|\|{1,2}|&&)\s*(ls|cat|id|whoami|uname|curl|wget|nc|bash|sh)\b`, CategoryCommandInj, 1.0)
	r.register("cmd_substitution", `\$\([^)]+\)|` + "`[^`]+`", CategoryCommandInj, 0.95)
	r.register("cmd_rm", `(?i)[;|&]{1,2}\s*rm\s+(-rf?\s+)?/`, CategoryCommandInj, 1.0)
	r.register("cmd_dev_tcp", `(?i)/dev/tcp/`, CategoryCommandInj, 0.95)

	// --- Server-side request forgery ---
	r.register("ssrf_metadata", `(?i)169\.254\.169\.254|metadata\.google\.internal`, CategorySSRF, 1.0)
	r.register("ssrf_localhost_admin", `(?i)https?://(localhost|127\.0\.0\.1|0\.0\.0\.0)[:/]`, CategorySSRF, 0.85)
	r.register("ssrf_file_scheme", `(?i)\bfile://`, CategorySSRF, 0.9)

	// --- Credential probes ---
	r.register("cred_ssh_key_path", `(?i)\.ssh/(id_rsa|id_ed25519|authorized_keys)`, CategoryCredProbe, 0.95)
	r.register("cred_env_file", `(?i)(^|/)\.env\b`, CategoryCredProbe, 0.85)
	r.register("cred_aws_dir", `(?i)\.aws/(credentials|config)`, CategoryCredProbe, 0.95)
	r.register("cred_git_config", `(?i)\.git/(config|credentials)`, CategoryCredProbe, 0.85)
}
