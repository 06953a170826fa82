package sqlinline

const QEnsureSchema = `--sql 2971c23c-f795-4207-a599-01dbea1a070d
create table if not exists generation_audit (
    id text primary key,
    backend text not null,
    caller_id text not null,
    origin_country text not null default '',
    status text not null,
    original_prompt text not null,
    enhanced_prompt text not null default '',
    error_kind text not null default '',
    queue_wait_ms bigint not null default 0,
    duration_ms bigint not null default 0,
    created_at timestamptz not null,
    finished_at timestamptz not null default now()
);
create index if not exists generation_audit_caller_idx on generation_audit (caller_id, created_at desc);
create table if not exists integration_tokens (
    id uuid primary key default gen_random_uuid(),
    provider text not null unique,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QInsertGenerationAudit = `--sql 79834f97-94cb-4e29-8e9b-b8a742885686
insert into generation_audit (
    id, backend, caller_id, origin_country, status,
    original_prompt, enhanced_prompt, error_kind,
    queue_wait_ms, duration_ms, created_at, finished_at
)
values ($1::text, $2::text, $3::text, $4::text, $5::text,
        $6::text, $7::text, $8::text,
        $9::bigint, $10::bigint, $11::timestamptz, $12::timestamptz)
on conflict (id) do nothing;
`

const QSelectRecentAudit = `--sql d22ce1af-922b-4f68-9600-307a3dbe61ac
select id, backend, caller_id, origin_country, status,
       original_prompt, enhanced_prompt, error_kind,
       queue_wait_ms, duration_ms, created_at, finished_at
from generation_audit
where ($1::text = '' or caller_id = $1::text)
order by created_at desc
limit $2::int;
`
