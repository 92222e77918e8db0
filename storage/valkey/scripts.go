package valkey

import valkeygo "github.com/valkey-io/valkey-go"

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Redemption, rotation and revocation check-and-mutate in a single script so
// only one concurrent caller can observe success.
//
// Every key a script touches shares the store's hash-tagged prefix, so all of
// them map to one cluster slot. Keys are passed as KEYS except the members of
// an index set in revokeSetScript, which are only known inside the script.

// Script replies
const (
	replyOK       = "OK"
	replyNotFound = "NOT_FOUND"
	replyConflict = "CONFLICT"
	replyRetry    = "RETRY"
)

// luaInsertToken defines insert_token(), shared by every script that writes a record.
//
// KEYS[1] = token key, KEYS[2] = refresh key, KEYS[3] = family set, KEYS[4] = user+client set,
// KEYS[5] = client set
// ARGV[1] = record JSON, ARGV[2] = access token, ARGV[3] = TTL seconds (0 = none),
// ARGV[4] = "1" when the record has a refresh token, ARGV[5] = "1" when it has a family
const luaInsertToken = `
local function add_to_set(key, member, ttl)
    local existed = redis.call('EXISTS', key) == 1
    local cur = redis.call('TTL', key)
    redis.call('SADD', key, member)
    if ttl == 0 then
        if existed then
            redis.call('PERSIST', key)
        end
    elseif (not existed) or (cur >= 0 and cur < ttl) then
        redis.call('EXPIRE', key, ttl)
    end
end

local function set_with_ttl(key, value, ttl)
    if ttl > 0 then
        redis.call('SET', key, value, 'EX', ttl)
    else
        redis.call('SET', key, value)
    end
end

local function insert_token()
    if redis.call('EXISTS', KEYS[1]) == 1 then
        return false
    end
    local hasRefresh = ARGV[4] == '1'
    if hasRefresh and redis.call('EXISTS', KEYS[2]) == 1 then
        return false
    end
    local ttl = tonumber(ARGV[3])
    set_with_ttl(KEYS[1], ARGV[1], ttl)
    if hasRefresh then
        set_with_ttl(KEYS[2], ARGV[2], ttl)
    end
    if ARGV[5] == '1' then
        add_to_set(KEYS[3], ARGV[2], ttl)
    end
    add_to_set(KEYS[4], ARGV[2], ttl)
    add_to_set(KEYS[5], ARGV[2], ttl)
    return true
end
`

// luaRevoke defines revoke(key, now), which flags a record and returns 1, or 0
// when the record is missing or already revoked.
const luaRevoke = `
local function revoke(key, now)
    local data = redis.call('GET', key)
    if not data then
        return 0
    end
    local rec = cjson.decode(data)
    if rec.revoked then
        return 0
    end
    rec.revoked = true
    rec.revoked_at = tonumber(now)
    redis.call('SET', key, cjson.encode(rec), 'KEEPTTL')
    return 1
end
`

// saveTokenScript inserts a record unless its access or refresh token is taken.
var saveTokenScript = valkeygo.NewLuaScript(luaInsertToken + `
if not insert_token() then
    return 'CONFLICT'
end
return 'OK'
`)

// redeemCodeScript deletes the code and inserts the record. A failed insert keeps the code.
//
// KEYS[6] = code key, ARGV[6] = client ID
var redeemCodeScript = valkeygo.NewLuaScript(luaInsertToken + `
local data = redis.call('GET', KEYS[6])
if not data then
    return 'NOT_FOUND'
end
local code = cjson.decode(data)
if code.client_id ~= ARGV[6] then
    return 'NOT_FOUND'
end
if not insert_token() then
    return 'CONFLICT'
end
redis.call('DEL', KEYS[6])
return 'OK'
`)

// rotateRefreshScript revokes the active record for a refresh token and inserts its successor.
// RETRY means the refresh token moved to another record since the caller resolved it.
//
// KEYS[6] = old refresh key, KEYS[7] = old token key
// ARGV[6] = client ID, ARGV[7] = old access token, ARGV[8] = now (ms)
var rotateRefreshScript = valkeygo.NewLuaScript(luaInsertToken + luaRevoke + `
local access = redis.call('GET', KEYS[6])
if not access then
    return 'NOT_FOUND'
end
if access ~= ARGV[7] then
    return 'RETRY'
end
local data = redis.call('GET', KEYS[7])
if not data then
    return 'NOT_FOUND'
end
local old = cjson.decode(data)
if old.revoked or old.client_id ~= ARGV[6] then
    return 'NOT_FOUND'
end
if not insert_token() then
    return 'CONFLICT'
end
revoke(KEYS[7], ARGV[8])
return 'OK'
`)

// revokeTokenScript revokes the record holding a refresh or access token.
// It returns -1 when the refresh index no longer points at the resolved record.
//
// KEYS[1] = refresh key for the value, KEYS[2] = token key for the value,
// KEYS[3] = token key of the record the refresh index resolved to
// ARGV[1] = now (ms), ARGV[2] = resolved access token ("" when the value is not a refresh token)
var revokeTokenScript = valkeygo.NewLuaScript(luaRevoke + `
local access = redis.call('GET', KEYS[1])
if access then
    if access ~= ARGV[2] then
        return -1
    end
    return revoke(KEYS[3], ARGV[1])
end
if ARGV[2] ~= '' then
    return -1
end
return revoke(KEYS[2], ARGV[1])
`)

// revokeSetScript revokes every active record listed in an index set and prunes dead members.
//
// KEYS[1] = index set, ARGV[1] = token key prefix, ARGV[2] = now (ms)
var revokeSetScript = valkeygo.NewLuaScript(luaRevoke + `
local n = 0
for _, access in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. access
    if redis.call('EXISTS', key) == 0 then
        redis.call('SREM', KEYS[1], access)
    else
        n = n + revoke(key, ARGV[2])
    end
end
return n
`)

// updateAccessScript swaps the access token of a record if it is unchanged since it was read.
//
// KEYS[1] = refresh key, KEYS[2] = old token key, KEYS[3] = new token key,
// KEYS[4] = family set, KEYS[5] = user+client set, KEYS[6] = client set
// ARGV[1] = record JSON as read, ARGV[2] = old access, ARGV[3] = new access,
// ARGV[4] = new record JSON, ARGV[5] = TTL seconds, ARGV[6] = "1" when the record has a family
var updateAccessScript = valkeygo.NewLuaScript(luaInsertToken + `
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
    return 'NOT_FOUND'
end
if redis.call('GET', KEYS[2]) ~= ARGV[1] then
    return 'RETRY'
end
if redis.call('EXISTS', KEYS[3]) == 1 then
    return 'CONFLICT'
end
local ttl = tonumber(ARGV[5])
redis.call('DEL', KEYS[2])
set_with_ttl(KEYS[3], ARGV[4], ttl)
set_with_ttl(KEYS[1], ARGV[3], ttl)
if ARGV[6] == '1' then
    redis.call('SREM', KEYS[4], ARGV[2])
    add_to_set(KEYS[4], ARGV[3], ttl)
end
redis.call('SREM', KEYS[5], ARGV[2])
add_to_set(KEYS[5], ARGV[3], ttl)
redis.call('SREM', KEYS[6], ARGV[2])
add_to_set(KEYS[6], ARGV[3], ttl)
return 'OK'
`)

// deleteCodeScript removes and returns a code owned by the given client.
//
// KEYS[1] = code key, ARGV[1] = client ID
var deleteCodeScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
local code = cjson.decode(data)
if code.client_id ~= ARGV[1] then
    return false
end
redis.call('DEL', KEYS[1])
return data
`)
